package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"branchdb/pkg/logger"
	"branchdb/pkg/models"
	"branchdb/pkg/state"
	"branchdb/pkg/store"
	"branchdb/pkg/tree"
)

// inspect opens a database offline and prints the derived branch forest of
// one conversation as ASCII, or lists conversations when none is given.
func main() {
	var dbPath, convID, active string
	var showDeleted bool
	flag.StringVar(&dbPath, "db", "./database", "database path")
	flag.StringVar(&convID, "conversation", "", "conversation id to render (empty lists all)")
	flag.StringVar(&active, "active", "", "message id to mark active")
	flag.BoolVar(&showDeleted, "deleted", false, "include tombstoned messages")
	flag.Parse()

	logger.InitWithLevel("error", "text")

	if err := state.Init(dbPath); err != nil {
		fatalf("state init: %v", err)
	}
	if err := store.Open(state.PathsVar.Store); err != nil {
		fatalf("open store: %v", err)
	}
	defer func() { _ = store.Close() }()

	if convID == "" {
		listConversations()
		return
	}
	renderConversation(convID, active, showDeleted)
}

func listConversations() {
	convs, err := store.ListConversations()
	if err != nil {
		fatalf("list conversations: %v", err)
	}
	if len(convs) == 0 {
		fmt.Println("no conversations")
		return
	}
	for _, c := range convs {
		mark := " "
		if c.Deleted {
			mark = "D"
		}
		fmt.Printf("%s %-40s %-24s %s\n", mark, c.ID, c.Author, c.Title)
	}
}

func renderConversation(convID, active string, showDeleted bool) {
	c, err := store.GetConversation(convID)
	if err != nil {
		fatalf("get conversation %s: %v", convID, err)
	}
	msgs, err := store.ListMessages(convID, showDeleted)
	if err != nil {
		fatalf("list messages: %v", err)
	}
	forest := tree.Build(msgs, active)

	title := c.Title
	if title == "" {
		title = "(untitled)"
	}
	fmt.Printf("%s  %s  (%d messages)\n", c.ID, title, tree.Count(forest))
	for _, root := range forest {
		printNode(root, "", true)
	}
}

// printNode renders one node and recurses with box-drawing connectors.
func printNode(n *tree.Node, prefix string, last bool) {
	connector := "├── "
	childPrefix := prefix + "│   "
	if last {
		connector = "└── "
		childPrefix = prefix + "    "
	}
	if prefix == "" {
		connector = ""
		childPrefix = "    "
	}

	marker := ""
	if n.Active {
		marker = " *"
	}
	if n.Message.Deleted {
		marker += " (deleted)"
	}
	ts := time.Unix(0, n.Message.TS).UTC().Format(time.RFC3339)
	fmt.Printf("%s%s[%d] %s %s %s: %s%s\n",
		prefix, connector, n.Message.BranchIndex, n.Message.ID, ts, n.Message.Role, summarize(n.Message), marker)

	for i, child := range n.Children {
		printNode(child, childPrefix, i == len(n.Children)-1)
	}
}

// summarize flattens a message body into one short printable line.
func summarize(m models.Message) string {
	var s string
	switch b := m.Body.(type) {
	case string:
		s = b
	case map[string]interface{}:
		if t, ok := b["text"].(string); ok {
			s = t
		} else {
			s = fmt.Sprintf("%v", b)
		}
	default:
		s = fmt.Sprintf("%v", b)
	}
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 60 {
		s = s[:57] + "..."
	}
	return s
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
