package model

import (
	"encoding/json"
	"sort"
)

// ReactionKind is one of the closed set of reactions a participant can apply.
type ReactionKind string

const (
	ReactionHeart      ReactionKind = "heart"
	ReactionLaugh      ReactionKind = "laugh"
	ReactionSad        ReactionKind = "sad"
	ReactionPouting    ReactionKind = "pouting"
	ReactionThumbsUp   ReactionKind = "thumbs_up"
	ReactionThumbsDown ReactionKind = "thumbs_down"
)

var reactionSymbols = map[ReactionKind]string{
	ReactionHeart:      "❤️",
	ReactionLaugh:      "\U0001F602",
	ReactionSad:        "\U0001F622",
	ReactionPouting:    "\U0001F621",
	ReactionThumbsUp:   "\U0001F44D",
	ReactionThumbsDown: "\U0001F44E",
}

// ReactionKinds lists every known kind in display order.
var ReactionKinds = []ReactionKind{
	ReactionHeart, ReactionLaugh, ReactionSad, ReactionPouting, ReactionThumbsUp, ReactionThumbsDown,
}

// ParseReactionKind maps a wire tag to a kind.
func ParseReactionKind(tag string) (ReactionKind, bool) {
	k := ReactionKind(tag)
	_, ok := reactionSymbols[k]
	return k, ok
}

// Symbol returns the emoji shown for the kind.
func (k ReactionKind) Symbol() string {
	return reactionSymbols[k]
}

// Reactions maps each reaction kind to the set of participant identities that
// applied it. A kind is present only while its set is non-empty. The zero value
// is an empty aggregate ready to use.
type Reactions struct {
	m map[ReactionKind]map[string]struct{}
}

// NewReactions builds an aggregate from a kind → identities mapping. Empty
// identity lists are dropped.
func NewReactions(src map[ReactionKind][]string) Reactions {
	var r Reactions
	for k, ids := range src {
		for _, id := range ids {
			r.add(k, id)
		}
	}
	return r
}

func (r *Reactions) add(kind ReactionKind, identity string) {
	if r.m == nil {
		r.m = make(map[ReactionKind]map[string]struct{})
	}
	set := r.m[kind]
	if set == nil {
		set = make(map[string]struct{})
		r.m[kind] = set
	}
	set[identity] = struct{}{}
}

// Toggle flips identity's membership for kind and reports whether the identity
// now holds the reaction.
func (r *Reactions) Toggle(kind ReactionKind, identity string) bool {
	if set, ok := r.m[kind]; ok {
		if _, has := set[identity]; has {
			delete(set, identity)
			if len(set) == 0 {
				delete(r.m, kind)
			}
			return false
		}
	}
	r.add(kind, identity)
	return true
}

// Has reports whether identity applied kind.
func (r Reactions) Has(kind ReactionKind, identity string) bool {
	_, ok := r.m[kind][identity]
	return ok
}

// Len is the number of kinds present.
func (r Reactions) Len() int {
	return len(r.m)
}

// Kinds returns the present kinds sorted by tag.
func (r Reactions) Kinds() []ReactionKind {
	kinds := make([]ReactionKind, 0, len(r.m))
	for k := range r.m {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Participants returns the sorted identities that applied kind.
func (r Reactions) Participants(kind ReactionKind) []string {
	set := r.m[kind]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CountsByKind returns the number of participants per kind.
func (r Reactions) CountsByKind() map[ReactionKind]int {
	counts := make(map[ReactionKind]int, len(r.m))
	for k, set := range r.m {
		counts[k] = len(set)
	}
	return counts
}

// Clone returns a deep copy.
func (r Reactions) Clone() Reactions {
	var out Reactions
	for k, set := range r.m {
		for id := range set {
			out.add(k, id)
		}
	}
	return out
}

// Equal compares two aggregates as sets.
func (r Reactions) Equal(o Reactions) bool {
	if len(r.m) != len(o.m) {
		return false
	}
	for k, set := range r.m {
		other, ok := o.m[k]
		if !ok || len(other) != len(set) {
			return false
		}
		for id := range set {
			if _, ok := other[id]; !ok {
				return false
			}
		}
	}
	return true
}

// Map returns the aggregate as tag → sorted identities.
func (r Reactions) Map() map[string][]string {
	out := make(map[string][]string, len(r.m))
	for k := range r.m {
		out[string(k)] = r.Participants(k)
	}
	return out
}

// MarshalJSON encodes the aggregate as {"<tag>": ["identity", ...]}.
func (r Reactions) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Map())
}

// UnmarshalJSON decodes the wire mapping, skipping unknown tags.
func (r *Reactions) UnmarshalJSON(data []byte) error {
	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.m = nil
	for tag, ids := range raw {
		kind, ok := ParseReactionKind(tag)
		if !ok {
			continue
		}
		for _, id := range ids {
			r.add(kind, id)
		}
	}
	return nil
}
