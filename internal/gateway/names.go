package gateway

import (
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"junction/internal/fleet"
	"junction/internal/gwerr"
)

// collisionSeparator joins server and item name when two servers expose
// the same item.
const collisionSeparator = "__"

// itemKind classifies entries in a name index.
type itemKind string

const (
	itemTool     itemKind = "tool"
	itemResource itemKind = "resource"
	itemPrompt   itemKind = "prompt"
)

type itemOrigin struct {
	server   string
	original string
}

// nameIndex maps exposed item names to their upstream origin for one
// session snapshot. Items whose name is unique across the admitted
// servers keep their original name; colliding names are prefixed with
// serverName__. The index is rebuilt when the admitted server set
// changes, so resolution is stable within a session.
type nameIndex struct {
	tools     map[string]itemOrigin
	resources map[string]itemOrigin
	prompts   map[string]itemOrigin

	// exposed listings in server registration order, then item
	// insertion order
	toolList     []mcp.Tool
	resourceList []mcp.Resource
	promptList   []mcp.Prompt
}

// buildNameIndex computes the exposed namespace over the given clients,
// which must already be filtered to the session's admitted, Ready set.
func buildNameIndex(clients []*fleet.Client) *nameIndex {
	idx := &nameIndex{
		tools:     make(map[string]itemOrigin),
		resources: make(map[string]itemOrigin),
		prompts:   make(map[string]itemOrigin),
	}

	toolOwners := countOwners(clients, func(c *fleet.Client) []string {
		return toolNames(c.DeclaredTools())
	})
	resourceOwners := countOwners(clients, func(c *fleet.Client) []string {
		return resourceURIs(c.DeclaredResources())
	})
	promptOwners := countOwners(clients, func(c *fleet.Client) []string {
		return promptNames(c.DeclaredPrompts())
	})

	for _, client := range clients {
		server := client.Name()

		for _, tool := range client.DeclaredTools() {
			exposed := exposedName(server, tool.Name, toolOwners)
			idx.tools[exposed] = itemOrigin{server: server, original: tool.Name}
			t := tool
			t.Name = exposed
			idx.toolList = append(idx.toolList, t)
		}
		for _, res := range client.DeclaredResources() {
			exposed := exposedName(server, res.URI, resourceOwners)
			idx.resources[exposed] = itemOrigin{server: server, original: res.URI}
			r := res
			r.URI = exposed
			idx.resourceList = append(idx.resourceList, r)
		}
		for _, prompt := range client.DeclaredPrompts() {
			exposed := exposedName(server, prompt.Name, promptOwners)
			idx.prompts[exposed] = itemOrigin{server: server, original: prompt.Name}
			p := prompt
			p.Name = exposed
			idx.promptList = append(idx.promptList, p)
		}
	}

	return idx
}

// countOwners tallies how many servers expose each item name.
func countOwners(clients []*fleet.Client, names func(*fleet.Client) []string) map[string]int {
	owners := make(map[string]int)
	for _, client := range clients {
		seen := make(map[string]bool)
		for _, name := range names(client) {
			if !seen[name] {
				owners[name]++
				seen[name] = true
			}
		}
	}
	return owners
}

// exposedName prefixes only when the name collides across servers.
func exposedName(server, name string, owners map[string]int) string {
	if owners[name] > 1 {
		return server + collisionSeparator + name
	}
	return name
}

// resolve maps an exposed name back to (server, original). Names that
// are not in the index but carry a serverName__ prefix are split so a
// caller can still be answered with a precise NotFound for the server.
func (idx *nameIndex) resolve(kind itemKind, exposed string) (server, original string, err error) {
	var origin itemOrigin
	var ok bool

	switch kind {
	case itemTool:
		origin, ok = idx.tools[exposed]
	case itemResource:
		origin, ok = idx.resources[exposed]
	case itemPrompt:
		origin, ok = idx.prompts[exposed]
	}
	if ok {
		return origin.server, origin.original, nil
	}

	if server, original, split := splitPrefixed(exposed); split {
		return server, original, nil
	}
	return "", "", gwerr.NotFound("", exposed)
}

// splitPrefixed recovers (server, original) from a serverName__item
// name.
func splitPrefixed(exposed string) (server, original string, ok bool) {
	i := strings.Index(exposed, collisionSeparator)
	if i <= 0 || i+len(collisionSeparator) >= len(exposed) {
		return "", "", false
	}
	return exposed[:i], exposed[i+len(collisionSeparator):], true
}

func toolNames(tools []mcp.Tool) []string {
	out := make([]string, len(tools))
	for i, t := range tools {
		out[i] = t.Name
	}
	return out
}

func resourceURIs(resources []mcp.Resource) []string {
	out := make([]string, len(resources))
	for i, r := range resources {
		out[i] = r.URI
	}
	return out
}

func promptNames(prompts []mcp.Prompt) []string {
	out := make([]string, len(prompts))
	for i, p := range prompts {
		out[i] = p.Name
	}
	return out
}
