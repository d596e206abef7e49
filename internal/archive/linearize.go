package archive

import (
	"encoding/json"
	"strings"
)

// linearize collapses the record's message tree into the canonical
// root-to-leaf path and flattens each retained node into a Message.
//
// When current_node names a node in the mapping, the path is found by
// ascending parent pointers from it and reversing. Otherwise the walk
// descends from the root choosing, at each step, the child with the latest
// timestamp (tie-break: lexicographically smallest child id).
func linearize(rec rawConversation) []Message {
	if len(rec.Mapping) == 0 {
		return nil
	}

	path := currentNodePath(rec)
	if path == nil {
		path = latestChildPath(rec)
	}

	var msgs []Message
	for _, nodeID := range path {
		node := rec.Mapping[nodeID]
		if node.Message == nil {
			continue
		}

		role := strings.ToLower(strings.TrimSpace(node.Message.Author.Role))
		if !knownRoles[role] {
			role = "unknown"
		}

		contentType := node.Message.Content.ContentType
		if contentType == "" {
			contentType = "text"
		}

		text := flattenContent(node.Message.Content)
		if role == "system" && text == "" {
			continue
		}

		id := node.Message.ID
		if id == "" {
			id = nodeID
		}

		var parentID string
		if node.Parent != nil {
			parentID = *node.Parent
		}

		msgs = append(msgs, Message{
			ID:          id,
			Role:        role,
			ContentType: contentType,
			Text:        text,
			CreatedAt:   int64(node.Message.CreateTime),
			ParentID:    parentID,
			TurnIndex:   len(msgs),
			TextHash:    hashText(text),
		})
	}
	return msgs
}

// currentNodePath ascends parent pointers from current_node to the root and
// reverses. Returns nil when the hint is absent or dangling.
func currentNodePath(rec rawConversation) []string {
	if rec.CurrentNode == "" {
		return nil
	}
	if _, ok := rec.Mapping[rec.CurrentNode]; !ok {
		return nil
	}

	var path []string
	seen := make(map[string]bool, len(rec.Mapping))
	current := rec.CurrentNode
	for current != "" && !seen[current] {
		seen[current] = true
		path = append(path, current)
		node, ok := rec.Mapping[current]
		if !ok || node.Parent == nil {
			break
		}
		current = *node.Parent
	}

	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// latestChildPath walks down from the root, at each node picking the child
// with the greatest timestamp; ties break to the lexicographically smallest
// child id.
func latestChildPath(rec rawConversation) []string {
	root := findRoot(rec)
	if root == "" {
		return nil
	}

	var path []string
	seen := make(map[string]bool, len(rec.Mapping))
	current := root
	for current != "" && !seen[current] {
		seen[current] = true
		path = append(path, current)
		current = pickChild(rec, rec.Mapping[current].Children)
	}
	return path
}

// findRoot returns the node with no parent (or a dangling one). The smallest
// id wins if the record somehow has several.
func findRoot(rec rawConversation) string {
	var root string
	for id, node := range rec.Mapping {
		orphan := node.Parent == nil || *node.Parent == ""
		if !orphan {
			if _, ok := rec.Mapping[*node.Parent]; !ok {
				orphan = true
			}
		}
		if orphan && (root == "" || id < root) {
			root = id
		}
	}
	return root
}

func pickChild(rec rawConversation, children []string) string {
	var best string
	var bestTime float64
	for _, id := range children {
		node, ok := rec.Mapping[id]
		if !ok {
			continue
		}
		var ts float64
		if node.Message != nil {
			ts = node.Message.CreateTime
		}
		switch {
		case best == "":
			best, bestTime = id, ts
		case ts > bestTime:
			best, bestTime = id, ts
		case ts == bestTime && id < best:
			best = id
		}
	}
	return best
}

// flattenContent joins a node's content parts with a single blank line.
// Non-text parts are represented as "[content_type: <kind>]" followed by any
// text payload. Trailing whitespace on each line is trimmed.
func flattenContent(content rawContent) string {
	var pieces []string

	add := func(s string) {
		if s != "" {
			pieces = append(pieces, s)
		}
	}

	if content.ContentType != "" && content.ContentType != "text" {
		add("[content_type: " + content.ContentType + "]")
	}

	for _, part := range content.Parts {
		var s string
		if err := json.Unmarshal(part, &s); err == nil {
			add(s)
			continue
		}

		// Structured part: label it by its own content type and keep any
		// text payload it carries.
		var obj struct {
			ContentType string `json:"content_type"`
			Text        string `json:"text"`
			Result      string `json:"result"`
		}
		if err := json.Unmarshal(part, &obj); err != nil {
			continue
		}
		kind := obj.ContentType
		if kind == "" {
			kind = "unknown"
		}
		add("[content_type: " + kind + "]")
		if obj.Text != "" {
			add(obj.Text)
		} else if obj.Result != "" {
			add(obj.Result)
		}
	}

	// Payloads stored outside parts (code, tool results).
	if len(content.Parts) == 0 {
		if content.Text != "" {
			add(content.Text)
		} else if content.Result != "" {
			add(content.Result)
		}
	}

	return trimTrailingSpace(strings.Join(pieces, "\n\n"))
}

// trimTrailingSpace trims trailing whitespace per line, preserving all other
// whitespace.
func trimTrailingSpace(s string) string {
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\r")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}
