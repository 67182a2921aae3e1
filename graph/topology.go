package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/pmezard/go-difflib/difflib"
)

type (
	// Topology is a snapshot of graph structure.
	Topology struct {
		Graph  string
		State  State
		Stages []StageInfo
		Links  []LinkInfo
	}

	// StageInfo describes a stage in the snapshot.
	StageInfo struct {
		Name  string
		Kind  string
		Class Class
		State State
		Ports []string
	}

	// LinkInfo describes an edge in the snapshot.
	LinkInfo struct {
		From string
		To   string
	}
)

var dumpConfig = spew.ConfigState{
	Indent:                  "  ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	DisableMethods:          true,
	SortKeys:                true,
}

// Topology returns the snapshot of graph structure.
func (g *Graph) Topology() Topology {
	t := Topology{
		Graph: g.name,
		State: g.State(),
	}
	for _, s := range g.Stages() {
		info := StageInfo{
			Name:  s.Name(),
			Kind:  s.Kind(),
			Class: s.Class(),
			State: s.State(),
		}
		for _, p := range s.Ports() {
			info.Ports = append(info.Ports, p.Name())
			if p.Direction() != Output {
				continue
			}
			if peer := p.Peer(); peer != nil {
				t.Links = append(t.Links, LinkInfo{From: p.String(), To: peer.String()})
			}
		}
		t.Stages = append(t.Stages, info)
	}
	sort.Slice(t.Links, func(i, j int) bool {
		return t.Links[i].From < t.Links[j].From
	})
	return t
}

// String returns stable line-per-entry representation.
func (t Topology) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "graph %s %v\n", t.Graph, t.State)
	for _, s := range t.Stages {
		fmt.Fprintf(&b, "stage %s kind=%s class=%v state=%v ports=%s\n",
			s.Name, s.Kind, s.Class, s.State, strings.Join(s.Ports, ","))
	}
	for _, l := range t.Links {
		fmt.Fprintf(&b, "link %s -> %s\n", l.From, l.To)
	}
	return b.String()
}

// Dump returns detailed representation of the snapshot.
func (t Topology) Dump() string {
	return dumpConfig.Sdump(t)
}

// Diff returns unified diff between two snapshots. Empty string means no
// changes.
func Diff(before, after Topology) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before.String()),
		B:        difflib.SplitLines(after.String()),
		FromFile: "before",
		ToFile:   "after",
		Context:  1,
	})
	if err != nil {
		return err.Error()
	}
	return diff
}
