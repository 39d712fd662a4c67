package mcptools

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeName_ReplacesUnsafeCharacters(t *testing.T) {
	assert.Equal(t, "billing_api_list_invoices", sanitizeName("billing api/list:invoices"))
}

func TestListTools_AggregatesAcrossServers(t *testing.T) {
	m := NewManager()
	m.tools["a"] = []ToolInfo{{Name: "a_x", Server: "a"}}
	m.tools["b"] = []ToolInfo{{Name: "b_y", Server: "b"}, {Name: "b_z", Server: "b"}}

	all := m.ListTools()
	assert.Len(t, all, 3)
}

func TestToolsForServer_ReturnsOnlyThatServersTools(t *testing.T) {
	m := NewManager()
	m.tools["a"] = []ToolInfo{{Name: "a_x", Server: "a"}}
	m.tools["b"] = []ToolInfo{{Name: "b_y", Server: "b"}}

	got := m.ToolsForServer("a")
	assert.Equal(t, []ToolInfo{{Name: "a_x", Server: "a"}}, got)
}

func TestToolsForServer_UnknownServerReturnsEmpty(t *testing.T) {
	m := NewManager()
	assert.Empty(t, m.ToolsForServer("missing"))
}
