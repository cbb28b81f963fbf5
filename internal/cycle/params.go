package cycle

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Shape selects which cycle body a runner drives. The per-resource variants
// (copper vs iron, spruce vs ash) differ only in parameters, never in code.
const (
	ShapeGather = "gather"
	ShapeCraft  = "craft"
	ShapeFight  = "fight"
)

//go:embed cycle.schema.json
var cycleSchemaJSON []byte

var cycleSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("cycle.schema.json", bytes.NewReader(cycleSchemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile("cycle.schema.json")
}

type Coords struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (c Coords) String() string { return fmt.Sprintf("(%d,%d)", c.X, c.Y) }

// Processing turns gathered material into a product at a workshop before
// banking, e.g. 10 copper_ore -> 1 copper.
type Processing struct {
	Product  string `json:"product"`
	Material string `json:"material"`
	Ratio    int    `json:"ratio"`
	Workshop Coords `json:"workshop"`
}

type GatherParams struct {
	Source         Coords      `json:"source"`
	Bank           Coords      `json:"bank"`
	TargetItem     string      `json:"target_item"`
	TargetQuantity int         `json:"target_quantity"`
	// Action is the gathering verb, "gathering" (default) or "mining".
	Action         string      `json:"action,omitempty"`
	Processing     *Processing `json:"processing,omitempty"`
	SkipProcessing bool        `json:"skip_processing,omitempty"`
}

type Material struct {
	Code     string `json:"code"`
	Quantity int    `json:"quantity"`
}

type CraftParams struct {
	Materials    []Material `json:"materials"`
	Workshop     Coords     `json:"workshop"`
	Bank         Coords     `json:"bank"`
	Product      string     `json:"product"`
	Quantity     int        `json:"quantity"`
	RecycleAfter bool       `json:"recycle_after,omitempty"`
}

type FightParams struct {
	Location    Coords `json:"location"`
	MonsterCode string `json:"monster_code,omitempty"`
}

// Spec is one parsed cycle-parameter document. Exactly one of the per-shape
// sections is set, matching Shape.
type Spec struct {
	Shape    string        `json:"shape"`
	TaskType string        `json:"task_type"`
	Gather   *GatherParams `json:"gather,omitempty"`
	Craft    *CraftParams  `json:"craft,omitempty"`
	Fight    *FightParams  `json:"fight,omitempty"`
}

// LoadSpec reads, schema-validates and decodes a cycle-parameter file.
func LoadSpec(path string) (*Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSpec(raw)
}

// ParseSpec validates raw against the embedded schema and decodes it.
func ParseSpec(raw []byte) (*Spec, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("cycle params: %w", err)
	}
	if err := cycleSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("cycle params: %w", err)
	}
	var s Spec
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("cycle params: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate enforces what the schema cannot: the section present must match
// the declared shape.
func (s *Spec) Validate() error {
	switch s.Shape {
	case ShapeGather:
		if s.Gather == nil {
			return fmt.Errorf("cycle params: shape gather without gather section")
		}
		if s.Gather.Action == "" {
			s.Gather.Action = "gathering"
		}
	case ShapeCraft:
		if s.Craft == nil {
			return fmt.Errorf("cycle params: shape craft without craft section")
		}
	case ShapeFight:
		if s.Fight == nil {
			return fmt.Errorf("cycle params: shape fight without fight section")
		}
	default:
		return fmt.Errorf("cycle params: unknown shape %q", s.Shape)
	}
	return nil
}
