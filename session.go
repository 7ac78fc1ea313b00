// Copyright 2018 Axel Wagner
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nbd

import (
	"io"
	"sort"
)

// State is the protocol state of a connection.
type State int

const (
	StateAwaitingClientFlags State = iota
	StateHaggling
	StateTLSPending
	StateExportSelected
	StateAborted
)

var stateNames = [...]string{
	StateAwaitingClientFlags: "awaiting client flags",
	StateHaggling:            "haggling",
	StateTLSPending:          "tls pending",
	StateExportSelected:      "export selected",
	StateAborted:             "aborted",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "invalid"
}

// MetaContextSet maps the meta contexts selected by the client to the ids
// the server assigned them. It belongs to a single session.
type MetaContextSet struct {
	export string
	ids    map[string]uint32
}

// ID returns the id assigned to name.
func (m *MetaContextSet) ID(name string) (uint32, bool) {
	id, ok := m.ids[name]
	return id, ok
}

// Len returns the number of selected contexts.
func (m *MetaContextSet) Len() int { return len(m.ids) }

// Names returns the selected contexts, ordered by id.
func (m *MetaContextSet) Names() []string {
	out := make([]string, 0, len(m.ids))
	for n := range m.ids {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return m.ids[out[i]] < m.ids[out[j]] })
	return out
}

// Session is the mutable state of one connection. It is owned by the
// goroutine serving the connection and never shared.
type Session struct {
	State       State
	ClientFlags ClientFlags
	// Export is valid once State is StateExportSelected.
	Export     Export
	Structured bool
	TLS        bool
	Meta       MetaContextSet

	// rw is the stream the session is currently using. It changes after a
	// successful TLS upgrade.
	rw     io.ReadWriter
	nextID uint32
}

// setMeta replaces the selected meta contexts with names, assigning fresh ids.
func (s *Session) setMeta(export string, names []string) map[string]uint32 {
	s.Meta = MetaContextSet{export: export, ids: make(map[string]uint32, len(names))}
	for _, n := range names {
		if _, ok := s.Meta.ids[n]; ok {
			continue
		}
		s.nextID++
		s.Meta.ids[n] = s.nextID
	}
	return s.Meta.ids
}

// selectExport moves the session into transmission phase. Meta contexts
// negotiated for a different export are dropped.
func (s *Session) selectExport(e Export) {
	if s.Meta.export != e.Name {
		s.Meta = MetaContextSet{}
	}
	s.Export = e
	s.State = StateExportSelected
}
