package genetree

import (
	"encoding/json"
	"time"
)

// Checkpoint records which genes of a species have been processed and how
// many have been dispatched. It is owned by a single processor run and is
// not safe for concurrent use.
//
// The position only grows. A gene in the processed set is never dispatched
// again.
type Checkpoint struct {
	processed     map[string]struct{}
	order         []string
	lastProcessed string
	position      int
	updatedAt     time.Time
}

// NewCheckpoint returns an empty checkpoint.
func NewCheckpoint() *Checkpoint {
	return &Checkpoint{processed: make(map[string]struct{})}
}

// ReconstructCheckpoint rebuilds a checkpoint from persisted state. Duplicate
// ids are collapsed and a negative position is clamped to zero.
func ReconstructCheckpoint(processed []string, lastProcessed string, position int, updatedAt time.Time) *Checkpoint {
	cp := NewCheckpoint()
	for _, id := range processed {
		cp.add(id)
	}
	cp.lastProcessed = lastProcessed
	cp.position = max(position, 0)
	cp.updatedAt = updatedAt
	return cp
}

// Getters for Checkpoint.
func (c *Checkpoint) Position() int         { return c.position }
func (c *Checkpoint) LastProcessed() string { return c.lastProcessed }
func (c *Checkpoint) ProcessedCount() int   { return len(c.order) }
func (c *Checkpoint) UpdatedAt() time.Time  { return c.updatedAt }

// ProcessedIDs returns the processed ids in the order they were marked.
func (c *Checkpoint) ProcessedIDs() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// IsProcessed reports whether id has already been handled.
func (c *Checkpoint) IsProcessed(id string) bool {
	_, ok := c.processed[id]
	return ok
}

// Dispatch advances the position for a gene about to be fetched and returns
// the new position.
func (c *Checkpoint) Dispatch() int {
	c.position++
	c.updatedAt = time.Now()
	return c.position
}

// MarkProcessed adds id to the processed set and records it as the most
// recently processed gene.
func (c *Checkpoint) MarkProcessed(id string) {
	c.add(id)
	c.lastProcessed = id
	c.updatedAt = time.Now()
}

func (c *Checkpoint) add(id string) {
	if _, ok := c.processed[id]; ok {
		return
	}
	c.processed[id] = struct{}{}
	c.order = append(c.order, id)
}

// Clone returns a deep copy of c.
func (c *Checkpoint) Clone() *Checkpoint {
	return ReconstructCheckpoint(c.order, c.lastProcessed, c.position, c.updatedAt)
}

type checkpointJSON struct {
	ProcessedGenes    []string `json:"processed_genes"`
	LastGene          *string  `json:"last_gene"`
	CurrentGeneNumber int      `json:"current_gene_number"`
}

// MarshalJSON encodes the checkpoint in its on-disk form.
func (c *Checkpoint) MarshalJSON() ([]byte, error) {
	aux := checkpointJSON{
		ProcessedGenes:    c.ProcessedIDs(),
		CurrentGeneNumber: c.position,
	}
	if c.lastProcessed != "" {
		last := c.lastProcessed
		aux.LastGene = &last
	}
	return json.Marshal(aux)
}

// UnmarshalJSON decodes the on-disk form. A null last_gene becomes empty.
func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	var aux checkpointJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	var last string
	if aux.LastGene != nil {
		last = *aux.LastGene
	}
	*c = *ReconstructCheckpoint(aux.ProcessedGenes, last, aux.CurrentGeneNumber, time.Now())
	return nil
}
