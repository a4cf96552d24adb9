package viewchange

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// DefaultPort is the port a roster entry listens on when its hostfile line
// does not name one.
const DefaultPort = 5320

// Member is a single roster entry: a node name and the network address the
// node listens on.
type Member struct {
	Name    string
	Address string
}

// Roster is the ordered, fixed membership of the cluster. Every process must
// load an identical roster: a member's index in the ordering is its canonical
// node ID, and the leader of view v is the member at index v mod N. The
// roster is immutable for the lifetime of a run.
type Roster struct {
	members []Member
}

// NewRoster creates a roster from the provided members, preserving order.
func NewRoster(members []Member) (*Roster, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("roster must contain at least one member")
	}
	seen := make(map[string]struct{}, len(members))
	for _, member := range members {
		if member.Name == "" {
			return nil, fmt.Errorf("roster member has empty name")
		}
		if _, ok := seen[member.Name]; ok {
			return nil, fmt.Errorf("duplicate roster member: %s", member.Name)
		}
		seen[member.Name] = struct{}{}
	}
	roster := &Roster{members: make([]Member, len(members))}
	copy(roster.members, members)
	return roster, nil
}

// LoadRoster reads a hostfile from the provided path.
func LoadRoster(path string) (*Roster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open hostfile: %w", err)
	}
	defer f.Close()
	return ParseRoster(f)
}

// ParseRoster parses the line-oriented hostfile format: one member per line,
// either "name" or "name host:port", in leader-rotation order. Blank lines
// and lines starting with '#' are skipped. A bare name listens on the
// default port.
func ParseRoster(r io.Reader) (*Roster, error) {
	var members []Member
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		switch len(fields) {
		case 1:
			members = append(members, Member{
				Name:    fields[0],
				Address: fmt.Sprintf("%s:%d", fields[0], DefaultPort),
			})
		case 2:
			address := fields[1]
			if !strings.Contains(address, ":") {
				address = fmt.Sprintf("%s:%d", address, DefaultPort)
			}
			members = append(members, Member{Name: fields[0], Address: address})
		default:
			return nil, fmt.Errorf("hostfile line %d: expected \"name\" or \"name address\"", line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("could not read hostfile: %w", err)
	}
	return NewRoster(members)
}

// Size returns the number of members in the roster.
func (r *Roster) Size() int {
	return len(r.members)
}

// Quorum returns the number of distinct attesting members required to
// certify a view: a strict majority of the roster.
func (r *Roster) Quorum() int {
	return len(r.members)/2 + 1
}

// Leader returns the ID of the member that leads the provided view.
// Leadership is a pure function of the view and the roster ordering, so
// every process that loads the same roster computes the same leader.
func (r *Roster) Leader(view uint64) uint32 {
	return uint32(view % uint64(len(r.members)))
}

// Member returns the roster entry with the provided ID.
func (r *Roster) Member(id uint32) Member {
	return r.members[id]
}

// Contains reports whether the provided ID names a roster member.
func (r *Roster) Contains(id uint32) bool {
	return int(id) < len(r.members)
}

// IndexOf returns the ID of the member with the provided name.
func (r *Roster) IndexOf(name string) (uint32, bool) {
	for i, member := range r.members {
		if member.Name == name {
			return uint32(i), true
		}
	}
	return 0, false
}

// Members returns a copy of the roster entries in order.
func (r *Roster) Members() []Member {
	members := make([]Member, len(r.members))
	copy(members, r.members)
	return members
}
