package ir

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Function is a named CFG together with its locals by name
type Function struct {
	Name   string
	CFG    *ControlFlowGraph
	Locals map[string]*Operand
}

// programFile is the YAML layout of a function listing:
//
//	functions:
//	  - name: diamond
//	    blocks:
//	      - name: entry
//	        ops: ["v0 = copy 1", "brif v0"]
//	        succs: [then, else]
type programFile struct {
	Functions []functionSpec `yaml:"functions"`
}

type functionSpec struct {
	Name   string      `yaml:"name"`
	Blocks []blockSpec `yaml:"blocks"`
}

type blockSpec struct {
	Name  string   `yaml:"name"`
	Ops   []string `yaml:"ops"`
	Succs []string `yaml:"succs"`
}

// LoadProgramFile reads every function of a YAML listing
func LoadProgramFile(path string) ([]*Function, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return ParseProgram(data)
}

// ParseProgram decodes a YAML listing. The first block of each function is its entry.
func ParseProgram(data []byte) ([]*Function, error) {
	var file programFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decoding program: %w", err)
	}

	funcs := make([]*Function, 0, len(file.Functions))
	for _, spec := range file.Functions {
		fn, err := buildFunction(spec)
		if err != nil {
			return nil, fmt.Errorf("function %s: %w", spec.Name, err)
		}
		funcs = append(funcs, fn)
	}
	return funcs, nil
}

func buildFunction(spec functionSpec) (*Function, error) {
	if len(spec.Blocks) == 0 {
		return nil, fmt.Errorf("no blocks")
	}

	parser := NewParser()
	byName := make(map[string]*Block, len(spec.Blocks))
	blocks := make([]*Block, 0, len(spec.Blocks))

	for i, bs := range spec.Blocks {
		name := bs.Name
		if name == "" {
			name = fmt.Sprintf("b%d", i)
		}
		if _, dup := byName[name]; dup {
			return nil, fmt.Errorf("duplicate block %s", name)
		}
		b := &Block{Index: i, Name: name}
		for _, line := range bs.Ops {
			op, err := parser.ParseOperation(line)
			if err != nil {
				return nil, fmt.Errorf("block %s: %w", name, err)
			}
			b.Append(op)
		}
		byName[name] = b
		blocks = append(blocks, b)
	}

	for i, bs := range spec.Blocks {
		for _, succName := range bs.Succs {
			succ, ok := byName[succName]
			if !ok {
				return nil, fmt.Errorf("block %s: unknown successor %s", blocks[i], succName)
			}
			blocks[i].AddSuccessor(succ)
		}
	}

	return &Function{
		Name:   spec.Name,
		CFG:    NewControlFlowGraph(blocks[0], blocks),
		Locals: parser.Locals(),
	}, nil
}
