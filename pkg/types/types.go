// Package types defines the core domain model shared by every adsorbflow component.
package types

import (
	"fmt"
	"sort"
	"time"
)

// Tag is the role of a site inside a slab model.
type Tag int

// Site role tags. The integer values match the conventional 0/1/2 tagging
// used by slab builders so templates can be imported without translation.
const (
	Bulk      Tag = 0 // atoms below the top layer
	Surface   Tag = 1 // top-layer atoms that adsorbates sit on
	Adsorbate Tag = 2 // atoms belonging to an adsorbed molecule
)

// String returns the lowercase tag name.
func (t Tag) String() string {
	switch t {
	case Bulk:
		return "bulk"
	case Surface:
		return "surface"
	case Adsorbate:
		return "adsorbate"
	default:
		return fmt.Sprintf("tag(%d)", int(t))
	}
}

// Valid reports whether t is one of the three known roles.
func (t Tag) Valid() bool {
	return t == Bulk || t == Surface || t == Adsorbate
}

// Status is the lifecycle state of a record in a Store.
type Status string

// Record states
const (
	StatusReserved Status = "reserved" // id claimed, content not yet written
	StatusComplete Status = "complete" // content written
	StatusFailed   Status = "failed"   // evaluation attempted and failed
)

// Incomplete reports whether a record still needs work.
func (s Status) Incomplete() bool {
	return s == StatusReserved || s == StatusFailed
}

// Vec3 is a cartesian vector in Angstrom.
type Vec3 [3]float64

// Add returns v+o.
func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v[0] + o[0], v[1] + o[1], v[2] + o[2]} }

// Sub returns v-o.
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]} }

// Scale returns v*f.
func (v Vec3) Scale(f float64) Vec3 { return Vec3{v[0] * f, v[1] * f, v[2] * f} }

// Dot returns the scalar product.
func (v Vec3) Dot(o Vec3) float64 { return v[0]*o[0] + v[1]*o[1] + v[2]*o[2] }

// Cell is a periodic cell given by three lattice vectors (rows).
type Cell struct {
	Vectors [3]Vec3 `json:"vectors"`
	PBC     [3]bool `json:"pbc"`
}

// Site is one atom of a structure.
type Site struct {
	Symbol    string  `json:"symbol"`
	Position  Vec3    `json:"position"`
	Tag       Tag     `json:"tag"`
	Magmom    float64 `json:"magmom,omitempty"`    // initial magnetic moment
	Adsorbate string  `json:"adsorbate,omitempty"` // formula of the adsorbate this site belongs to
	Binding   bool    `json:"binding,omitempty"`   // binding atom of its adsorbate
}

// Structure is one atomic configuration as stored in a Store.
type Structure struct {
	// Identity and provenance
	ID         int64  `json:"id"`
	OriginalID *int64 `json:"original_id,omitempty"` // id of the record this one was copied from
	Round      int    `json:"round,omitempty"`       // sampling generation
	Status     Status `json:"status"`
	Owner      string `json:"owner,omitempty"` // reservation holder

	// UpdatedAt is the time of the last write as recorded by the store.
	// Reservation leases are judged against it.
	UpdatedAt time.Time `json:"-"`

	// Geometry
	Sites  []Site `json:"sites"`
	Cell   Cell   `json:"cell"`
	Frozen []int  `json:"frozen,omitempty"` // site indices held fixed during relaxation

	// Computed outputs
	Energy *float64 `json:"energy,omitempty"`
	Forces []Vec3   `json:"forces,omitempty"`

	KeyValues map[string]float64 `json:"key_values,omitempty"`
}

// Len returns the number of sites.
func (s *Structure) Len() int { return len(s.Sites) }

// HasResults reports whether energy and forces are present.
func (s *Structure) HasResults() bool {
	return s.Energy != nil && len(s.Forces) == len(s.Sites)
}

// Clone returns a deep copy.
func (s *Structure) Clone() *Structure {
	if s == nil {
		return nil
	}
	c := *s
	c.Sites = append([]Site(nil), s.Sites...)
	c.Frozen = append([]int(nil), s.Frozen...)
	c.Forces = append([]Vec3(nil), s.Forces...)
	if s.OriginalID != nil {
		id := *s.OriginalID
		c.OriginalID = &id
	}
	if s.Energy != nil {
		e := *s.Energy
		c.Energy = &e
	}
	if s.KeyValues != nil {
		c.KeyValues = make(map[string]float64, len(s.KeyValues))
		for k, v := range s.KeyValues {
			c.KeyValues[k] = v
		}
	}
	return &c
}

// IsFrozen reports whether site i is constrained.
func (s *Structure) IsFrozen(i int) bool {
	for _, f := range s.Frozen {
		if f == i {
			return true
		}
	}
	return false
}

// SetFrozen replaces the constraint set with the given indices, sorted and deduplicated.
func (s *Structure) SetFrozen(idx []int) {
	seen := make(map[int]bool, len(idx))
	out := make([]int, 0, len(idx))
	for _, i := range idx {
		if !seen[i] {
			seen[i] = true
			out = append(out, i)
		}
	}
	sort.Ints(out)
	s.Frozen = out
}

// DeleteSites removes the given site indices, remapping frozen indices.
func (s *Structure) DeleteSites(idx []int) {
	drop := make(map[int]bool, len(idx))
	for _, i := range idx {
		drop[i] = true
	}
	remap := make(map[int]int, len(s.Sites))
	kept := make([]Site, 0, len(s.Sites))
	for i, site := range s.Sites {
		if drop[i] {
			continue
		}
		remap[i] = len(kept)
		kept = append(kept, site)
	}
	var frozen []int
	for _, f := range s.Frozen {
		if n, ok := remap[f]; ok {
			frozen = append(frozen, n)
		}
	}
	s.Sites = kept
	s.Frozen = frozen
	s.Forces = nil
	s.Energy = nil
}

// Shard is the half-open id interval [Start, Stop) handled by one worker.
type Shard struct {
	Start int64 `json:"start"`
	Stop  int64 `json:"stop"`
}

// NewShard returns the interval [start, start+width).
func NewShard(start, width int64) Shard {
	return Shard{Start: start, Stop: start + width}
}

// ShardForIndex maps a batch array index to its shard.
func ShardForIndex(firstID, index, width int64) Shard {
	return NewShard(firstID+index*width, width)
}

// Contains reports whether id lies in the shard.
func (s Shard) Contains(id int64) bool { return id >= s.Start && id < s.Stop }

// Width returns Stop-Start.
func (s Shard) Width() int64 { return s.Stop - s.Start }

func (s Shard) String() string { return fmt.Sprintf("[%d, %d)", s.Start, s.Stop) }
