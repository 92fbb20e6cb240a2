package crewsync

import (
	"bytes"
	"encoding/binary"
	"math"
	"strconv"
	"sync"
)

// Indicators owns the process-wide unread counter and the attention cues
// derived from it. Each hook is optional and must tolerate being called
// again with the same value.
type Indicators struct {
	// BaseTitle is the window title without the counter prefix.
	BaseTitle string
	SetTitle  func(title string)
	DrawBadge func(count int)
	PlayCue   func(wav []byte)

	mu    sync.Mutex
	count int
	cue   []byte
}

// Count returns the unread counter.
func (i *Indicators) Count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.count
}

// Bump increments the counter, refreshes title and badge and plays the cue.
func (i *Indicators) Bump() int {
	i.mu.Lock()
	i.count++
	n := i.count
	if i.cue == nil {
		i.cue = Tone()
	}
	cue := i.cue
	i.mu.Unlock()

	i.refresh(n)
	if i.PlayCue != nil {
		i.PlayCue(cue)
	}
	return n
}

// Reset zeroes the counter and clears title prefix and badge.
func (i *Indicators) Reset() {
	i.mu.Lock()
	i.count = 0
	i.mu.Unlock()
	i.refresh(0)
}

func (i *Indicators) refresh(n int) {
	if i.SetTitle != nil {
		i.SetTitle(TitleWithCount(i.BaseTitle, n))
	}
	if i.DrawBadge != nil {
		i.DrawBadge(n)
	}
}

// TitleWithCount prefixes title with "(n) " when n is positive.
func TitleWithCount(title string, n int) string {
	if n <= 0 {
		return title
	}
	return "(" + strconv.Itoa(n) + ") " + title
}

// ── cue ──────────────────────────────────────────────────

const (
	toneSampleRate = 22050
	toneAmplitude  = 0.3
)

type toneNote struct {
	freq float64
	ms   int
}

var twoTone = []toneNote{{880, 90}, {660, 120}}

// Tone synthesizes the two-note notification cue as a 16-bit mono WAV.
func Tone() []byte {
	var samples []int16
	for _, n := range twoTone {
		count := toneSampleRate * n.ms / 1000
		for s := 0; s < count; s++ {
			// short linear fade at both ends avoids clicks
			env := 1.0
			fade := toneSampleRate / 200
			if s < fade {
				env = float64(s) / float64(fade)
			} else if count-s < fade {
				env = float64(count-s) / float64(fade)
			}
			v := math.Sin(2*math.Pi*n.freq*float64(s)/toneSampleRate) * toneAmplitude * env
			samples = append(samples, int16(v*math.MaxInt16))
		}
	}

	dataLen := uint32(len(samples) * 2)
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVEfmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(toneSampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(toneSampleRate*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataLen)
	binary.Write(&buf, binary.LittleEndian, samples)
	return buf.Bytes()
}
