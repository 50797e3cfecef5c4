package scenario

import (
	"fmt"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// hclScenarioFile represents the top-level structure of a scenario file for
// decoding.
type hclScenarioFile struct {
	Name      *string       `hcl:"name,optional"`
	MaxTicks  *int          `hcl:"max_ticks,optional"`
	Pipes     []*hclPipe    `hcl:"pipe,block"`
	Processes []*hclProcess `hcl:"process,block"`
	Events    []*hclEvent   `hcl:"event,block"`
}

type hclPipe struct {
	Name     string `hcl:"name,label"`
	Capacity *int   `hcl:"capacity,optional"`
}

type hclProcess struct {
	Name   string     `hcl:"name,label"`
	Parent *string    `hcl:"parent,optional"`
	Kernel *bool      `hcl:"kernel,optional"`
	Files  []string   `hcl:"files,optional"`
	Steps  []*hclStep `hcl:"step,block"`
}

type hclStep struct {
	Op      string  `hcl:"op,label"`
	Ticks   *int    `hcl:"ticks,optional"`
	Process *string `hcl:"process,optional"`
	FD      *int    `hcl:"fd,optional"`
	Bytes   *int    `hcl:"bytes,optional"`
	Pipe    *string `hcl:"pipe,optional"`
	Data    *string `hcl:"data,optional"`
	Code    *int    `hcl:"code,optional"`
	Signal  *string `hcl:"signal,optional"`
	Action  *string `hcl:"action,optional"`
	Handler *int    `hcl:"handler,optional"`
}

type hclEvent struct {
	Op      string  `hcl:"op,label"`
	At      int     `hcl:"at"`
	Pipe    *string `hcl:"pipe,optional"`
	Data    *string `hcl:"data,optional"`
	Process *string `hcl:"process,optional"`
	Signal  *string `hcl:"signal,optional"`
}

// ParseHCL decodes an HCL scenario. filename is only used in diagnostics.
//
//	pipe "p" {}
//	process "reader" {
//	  files = ["p"]
//	  step "read" {
//	    fd    = 0
//	    bytes = 4
//	  }
//	}
//	event "write" {
//	  at   = 10
//	  pipe = "p"
//	  data = "ping"
//	}
func ParseHCL(src []byte, filename string) (*Scenario, error) {
	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	var parsed hclScenarioFile
	diags = gohcl.DecodeBody(hclFile.Body, nil, &parsed)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	s := &Scenario{
		Name:     deref(parsed.Name),
		MaxTicks: deref(parsed.MaxTicks),
	}
	for _, p := range parsed.Pipes {
		s.Pipes = append(s.Pipes, Pipe{Name: p.Name, Capacity: deref(p.Capacity)})
	}
	for _, p := range parsed.Processes {
		proc := Process{
			Name:   p.Name,
			Parent: deref(p.Parent),
			Kernel: deref(p.Kernel),
			Files:  p.Files,
		}
		for _, st := range p.Steps {
			proc.Program = append(proc.Program, Step{
				Op:      Op(st.Op),
				Ticks:   deref(st.Ticks),
				Process: deref(st.Process),
				FD:      deref(st.FD),
				Bytes:   deref(st.Bytes),
				Pipe:    deref(st.Pipe),
				Data:    deref(st.Data),
				Code:    deref(st.Code),
				Signal:  deref(st.Signal),
				Action:  deref(st.Action),
				Handler: uint32(deref(st.Handler)),
			})
		}
		s.Processes = append(s.Processes, proc)
	}
	for _, e := range parsed.Events {
		s.Events = append(s.Events, Event{
			At:      e.At,
			Op:      Op(e.Op),
			Pipe:    deref(e.Pipe),
			Data:    deref(e.Data),
			Process: deref(e.Process),
			Signal:  deref(e.Signal),
		})
	}
	return s, nil
}

func deref[T any](v *T) T {
	var zero T
	if v == nil {
		return zero
	}
	return *v
}
