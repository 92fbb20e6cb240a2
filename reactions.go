package crewsync

// ToggleReaction flips actor's use of emoji and returns the new list.
//
// A missing emoji is appended at the end, so entries stay in the order the
// emojis were first added. Removing the last actor drops the whole entry.
// The input slice is never modified; applying the same toggle twice yields
// the original list.
func ToggleReaction(list []Reaction, emoji, actor string) []Reaction {
	out := cloneReactions(list)
	for i := range out {
		if out[i].Emoji != emoji {
			continue
		}
		users := out[i].Users
		for j, u := range users {
			if u == actor {
				users = append(users[:j:j], users[j+1:]...)
				if len(users) == 0 {
					out = append(out[:i:i], out[i+1:]...)
					if len(out) == 0 {
						return nil
					}
					return out
				}
				out[i].Users = users
				return out
			}
		}
		out[i].Users = append(users, actor)
		return out
	}
	return append(out, Reaction{Emoji: emoji, Users: []string{actor}})
}

// HasReacted reports whether actor currently uses emoji in list.
func HasReacted(list []Reaction, emoji, actor string) bool {
	for _, r := range list {
		if r.Emoji == emoji {
			return containsString(r.Users, actor)
		}
	}
	return false
}

// ReactionCount returns how many identities used emoji.
func ReactionCount(list []Reaction, emoji string) int {
	for _, r := range list {
		if r.Emoji == emoji {
			return len(r.Users)
		}
	}
	return 0
}

func sameReactions(a, b []Reaction) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Emoji != b[i].Emoji || len(a[i].Users) != len(b[i].Users) {
			return false
		}
		for j := range a[i].Users {
			if a[i].Users[j] != b[i].Users[j] {
				return false
			}
		}
	}
	return true
}

func cloneReactions(list []Reaction) []Reaction {
	if list == nil {
		return nil
	}
	out := make([]Reaction, len(list))
	for i, r := range list {
		out[i] = Reaction{Emoji: r.Emoji, Users: append([]string(nil), r.Users...)}
	}
	return out
}
