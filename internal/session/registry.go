// Package session maps connection slots to the display names players
// chose with the USER command.
package session

import (
	"strconv"
	"strings"
	"unicode"

	gocache "github.com/patrickmn/go-cache"
)

const (
	// MaxNameLen is the longest accepted display name, in bytes.
	MaxNameLen = 16
	// ReservedName is used for messages originating from the server itself.
	ReservedName = "SERVER"
)

// Verdict is the outcome of an Identify request.
type Verdict struct {
	Accepted bool
	Reason   string
}

func accepted() Verdict { return Verdict{Accepted: true} }

func rejected(reason string) Verdict { return Verdict{Reason: reason} }

// Registry holds one optional name per slot. Names are unique across slots,
// compared case-insensitively.
type Registry struct {
	names []string
	// owners maps a folded name to the slot holding it.
	owners *gocache.Cache
}

// NewRegistry creates a registry for slots [0, capacity).
func NewRegistry(capacity int) *Registry {
	return &Registry{
		names:  make([]string, capacity),
		owners: gocache.New(gocache.NoExpiration, 0),
	}
}

// Identify tries to give slot the display name proposed. A slot that already
// has a name gives it up when the new one is accepted.
func (r *Registry) Identify(slot int, proposed string) Verdict {
	if slot < 0 || slot >= len(r.names) {
		return rejected("no such slot " + strconv.Itoa(slot))
	}
	if v := validate(proposed); !v.Accepted {
		return v
	}

	key := fold(proposed)
	if owner, ok := r.owners.Get(key); ok && owner.(int) != slot {
		return rejected("name already in use")
	}

	r.Release(slot)
	r.names[slot] = proposed
	r.owners.Set(key, slot, gocache.NoExpiration)
	return accepted()
}

// validate rejects names that are empty, too long, reserved or contain
// control characters.
func validate(name string) Verdict {
	switch {
	case name == "":
		return rejected("name is empty")
	case len(name) > MaxNameLen:
		return rejected("name longer than " + strconv.Itoa(MaxNameLen) + " bytes")
	case strings.EqualFold(name, ReservedName):
		return rejected("name is reserved")
	case strings.IndexFunc(name, unicode.IsControl) >= 0:
		return rejected("name contains control characters")
	}
	return accepted()
}

// Release frees whatever name slot holds.
func (r *Registry) Release(slot int) {
	if slot < 0 || slot >= len(r.names) || r.names[slot] == "" {
		return
	}
	r.owners.Delete(fold(r.names[slot]))
	r.names[slot] = ""
}

// Name returns the registered name of slot, if any.
func (r *Registry) Name(slot int) (string, bool) {
	if slot < 0 || slot >= len(r.names) || r.names[slot] == "" {
		return "", false
	}
	return r.names[slot], true
}

// DisplayName returns the registered name of slot, or a placeholder
// derived from the slot index.
func (r *Registry) DisplayName(slot int) string {
	if name, ok := r.Name(slot); ok {
		return name
	}
	return "player" + strconv.Itoa(slot)
}

// Len returns how many slots currently hold a name.
func (r *Registry) Len() int {
	return r.owners.ItemCount()
}

func fold(name string) string {
	return strings.ToLower(name)
}
