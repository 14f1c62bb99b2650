package uplink

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-edgesync/internal/entity"
	"github.com/nerrad567/gray-logic-edgesync/internal/infrastructure/config"
)

// Outcome is the result of a conflict decision.
type Outcome int

const (
	// Accepted means the incoming entity can be stored as it is.
	Accepted Outcome = iota

	// Reallocated means the incoming entity must be stored under NewID and
	// NewName.
	Reallocated
)

// String returns the outcome name.
func (o Outcome) String() string {
	if o == Reallocated {
		return "reallocated"
	}
	return "accepted"
}

// Decision is what Resolve returns.
type Decision struct {
	Outcome Outcome
	NewID   uuid.UUID
	NewName string
}

// NamePolicy derives a replacement name for an entity whose name is taken.
type NamePolicy interface {
	Rename(name string) string
}

// suffixAlphabet is the character set of random suffixes.
const suffixAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandomSuffixPolicy appends "_" and Length random alphanumerics.
type RandomSuffixPolicy struct {
	Length int
}

// Rename implements NamePolicy.
func (p RandomSuffixPolicy) Rename(name string) string {
	n := p.Length
	if n <= 0 {
		n = 15
	}
	suffix := make([]byte, n)
	for i := range suffix {
		suffix[i] = suffixAlphabet[rand.IntN(len(suffixAlphabet))] //nolint:gosec // names, not secrets
	}
	return fit(name, "_"+string(suffix))
}

var counterPattern = regexp.MustCompile(`^(.*) \((\d+)\)$`)

// CounterSuffixPolicy appends " (n)", incrementing n if the name already
// carries one.
type CounterSuffixPolicy struct{}

// Rename implements NamePolicy.
func (CounterSuffixPolicy) Rename(name string) string {
	base, n := name, 0
	if m := counterPattern.FindStringSubmatch(name); m != nil {
		if v, err := strconv.Atoi(m[2]); err == nil {
			base, n = m[1], v
		}
	}
	return fit(base, fmt.Sprintf(" (%d)", n+1))
}

// fit truncates base so base+suffix stays within entity.MaxNameLength runes.
func fit(base, suffix string) string {
	limit := entity.MaxNameLength - len([]rune(suffix))
	if r := []rune(base); len(r) > limit {
		base = string(r[:limit])
	}
	return base + suffix
}

// PolicyFromConfig maps sync.conflict_policy to a NamePolicy.
func PolicyFromConfig(name string) NamePolicy {
	if name == config.ConflictPolicyCounterSuffix {
		return CounterSuffixPolicy{}
	}
	return RandomSuffixPolicy{}
}

// Resolver decides what to do with an incoming entity whose name may
// already be held by a different entity.
type Resolver struct {
	Policy NamePolicy

	// NewID allocates identifiers. Defaults to uuid v7.
	NewID func() uuid.UUID
}

// NewResolver creates a resolver with the given policy.
func NewResolver(policy NamePolicy) *Resolver {
	if policy == nil {
		policy = RandomSuffixPolicy{}
	}
	return &Resolver{Policy: policy, NewID: newID}
}

func newID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// Resolve compares incoming with existing, the entity currently holding
// incoming's name (nil if none).
//
// A different entity holding the name yields Reallocated with an identifier
// distinct from both and a name derived through the policy. Otherwise the
// incoming entity is Accepted.
func (r *Resolver) Resolve(existing, incoming *entity.Entity) Decision {
	if existing == nil || existing.ID == incoming.ID {
		return Decision{Outcome: Accepted, NewID: incoming.ID, NewName: incoming.Name}
	}

	alloc := r.NewID
	if alloc == nil {
		alloc = newID
	}
	id := alloc()
	for id == existing.ID || id == incoming.ID || id == uuid.Nil {
		id = alloc()
	}

	return Decision{
		Outcome: Reallocated,
		NewID:   id,
		NewName: r.Policy.Rename(incoming.Name),
	}
}
