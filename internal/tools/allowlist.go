// ABOUTME: Per-agent tool allow-lists loaded from TOML configuration.
// ABOUTME: Lists only narrow what a principal may already do, never widen it.

package tools

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// AllowLists maps agent ids to the tool names they may invoke. An agent with
// no entry may invoke nothing; invocations without an agent id bypass the list
// entirely and rely on the principal's own access alone.
type AllowLists struct {
	Agents map[string]AgentAllowance `toml:"agents"`
}

// AgentAllowance is one agent's configured tool set.
type AgentAllowance struct {
	Tools []string `toml:"tools"`
}

// LoadAllowLists reads a TOML allow-list file:
//
//	[agents.scribe]
//	tools = ["conversation:updateTitle", "conversation:get"]
func LoadAllowLists(path string) (*AllowLists, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading allow-list file: %w", err)
	}
	return ParseAllowLists(string(data))
}

// ParseAllowLists parses TOML allow-list content.
func ParseAllowLists(data string) (*AllowLists, error) {
	var lists AllowLists
	if _, err := toml.Decode(data, &lists); err != nil {
		return nil, fmt.Errorf("parsing allow-list: %w", err)
	}
	if lists.Agents == nil {
		lists.Agents = make(map[string]AgentAllowance)
	}
	return &lists, nil
}

// Allowed reports whether the agent may invoke the named tool.
func (a *AllowLists) Allowed(agentID, tool string) bool {
	if a == nil {
		return false
	}
	for _, t := range a.Agents[agentID].Tools {
		if t == tool {
			return true
		}
	}
	return false
}

// ToolsFor returns the agent's configured tool names.
func (a *AllowLists) ToolsFor(agentID string) []string {
	if a == nil {
		return nil
	}
	return a.Agents[agentID].Tools
}
