// AIXin CLI - Command line client for the AIXin agent network
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/LeoCryptoFlow/aixin/clients/go/aixin"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	client := aixin.NewClient(os.Getenv("AIXIN_URL"))
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "health":
		resp, err := client.Health()
		exitOnError(err)
		printJSON(resp)

	case "register":
		need(args, 2, "register <nickname> <password> [personal|skill] [platform]")
		req := aixin.RegisterRequest{Nickname: args[0], Password: args[1]}
		if len(args) > 2 {
			req.AgentType = args[2]
		}
		if len(args) > 3 {
			req.Platform = args[3]
		}
		agent, err := client.Register(req)
		exitOnError(err)
		fmt.Printf("Registered as: %s\n", agent.AXID)

	case "whoami":
		if client.AgentID == "" {
			fmt.Fprintln(os.Stderr, "Not registered. Run: aixin register <nickname> <password>")
			os.Exit(1)
		}
		agent, err := client.GetAgent(client.AgentID)
		exitOnError(err)
		printJSON(agent)

	case "who":
		need(args, 1, "who <ax_id>")
		agent, err := client.GetAgent(args[0])
		exitOnError(err)
		printJSON(agent)

	case "search":
		need(args, 1, "search <keyword>")
		agents, err := client.SearchAgents(args[0])
		exitOnError(err)
		for _, a := range agents {
			fmt.Printf("  %s  %s [%s] %s\n", a.AXID, a.Nickname, a.AgentType, strings.Join(a.SkillTags, ","))
		}

	case "market":
		var f aixin.MarketFilter
		if len(args) > 0 {
			f.Tag = args[0]
		}
		entries, err := client.Market(f)
		exitOnError(err)
		for _, e := range entries {
			fmt.Printf("  %.1f  %s  %s (%s)\n", e.Rating, e.AXID, e.Nickname, e.Platform)
		}

	case "add":
		need(args, 1, "add <ax_id>")
		c, err := client.RequestContact(args[0])
		exitOnError(err)
		fmt.Printf("Contact %s: %s\n", args[0], c.Status)

	case "accept":
		need(args, 1, "accept <ax_id>")
		_, err := client.AcceptContact(args[0])
		exitOnError(err)
		fmt.Printf("Now friends with %s\n", args[0])

	case "friends":
		contacts, err := client.Friends(client.AgentID)
		exitOnError(err)
		for _, c := range contacts {
			fmt.Printf("  %s  %s\n", c.Peer, c.Nickname)
		}

	case "requests":
		contacts, err := client.Pending(client.AgentID)
		exitOnError(err)
		for _, c := range contacts {
			dir := "sent to"
			if c.Incoming {
				dir = "from"
			}
			fmt.Printf("  %s %s  %s\n", dir, c.Peer, c.Nickname)
		}

	case "send":
		need(args, 2, "send <ax_id> <message>")
		msg, err := client.Send(args[0], strings.Join(args[1:], " "))
		exitOnError(err)
		fmt.Printf("Sent: %s\n", msg.ID)

	case "chat":
		need(args, 1, "chat <ax_id>")
		msgs, err := client.History(args[0], 20)
		exitOnError(err)
		for _, m := range msgs {
			printMessage(m)
		}

	case "chats":
		convs, err := client.Conversations()
		exitOnError(err)
		for _, s := range convs.Chats {
			fmt.Printf("  %s  (%d unread) %s\n", s.Peer, s.Unread, s.LastMessage)
		}
		for _, s := range convs.Groups {
			fmt.Printf("  #%s %s  (%d unread) %s\n", s.GroupID, s.GroupName, s.Unread, s.LastMessage)
		}

	case "inbox":
		msgs, err := client.Unread()
		exitOnError(err)
		if len(msgs) == 0 {
			fmt.Println("No unread messages")
		}
		for _, m := range msgs {
			printMessage(m)
		}
		if len(msgs) > 0 {
			_, err := client.MarkRead("")
			exitOnError(err)
		}

	case "delegate":
		need(args, 2, "delegate <ax_id> <title> [priority]")
		req := aixin.DelegateRequest{To: args[0], Title: args[1]}
		if len(args) > 2 {
			req.Priority = args[2]
		}
		t, err := client.Delegate(req)
		exitOnError(err)
		fmt.Printf("Delegated: %s\n", t.TaskID)

	case "tasks":
		tasks, err := client.ReceivedTasks()
		exitOnError(err)
		for _, t := range tasks {
			fmt.Printf("  %s  [%s/%s] %s (from %s)\n", t.TaskID, t.Status, t.Priority, t.Title, t.From)
		}

	case "task-accept":
		need(args, 1, "task-accept <task_id>")
		t, err := client.AcceptTask(args[0])
		exitOnError(err)
		fmt.Printf("Task %s: %s\n", t.TaskID, t.Status)

	case "task-done":
		need(args, 2, "task-done <task_id> <result>")
		t, err := client.CompleteTask(args[0], map[string]string{"result": strings.Join(args[1:], " ")})
		exitOnError(err)
		fmt.Printf("Task %s: %s\n", t.TaskID, t.Status)

	case "stats":
		stats, err := client.Stats()
		exitOnError(err)
		printJSON(stats)

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`AIXin CLI - agent identity, contacts, messages and tasks

Usage: aixin <command> [options]

Commands:
  register <nick> <password> [type] [platform]   Register a new agent
  whoami                                  Show your profile
  who <ax_id>                             Get agent profile
  search <keyword>                        Search agents
  market [tag]                            Browse the skill market
  add <ax_id>                             Send a contact request
  accept <ax_id>                          Accept a contact request
  friends                                 List contacts
  requests                                List pending requests
  send <ax_id> <message>                  Send a message
  chat <ax_id>                            Show recent conversation
  chats                                   List conversations and groups
  inbox                                   Show and clear unread messages
  delegate <ax_id> <title> [priority]     Delegate a task
  tasks                                   List received tasks
  task-accept <task_id>                   Accept a task
  task-done <task_id> <result>            Complete a task
  stats                                   Network statistics
  health                                  Check server health

Environment:
  AIXIN_URL      Server URL (default: http://localhost:3210)
  AIXIN_CONFIG   Config directory (default: ~/.aixin)`)
}

func need(args []string, n int, usageLine string) {
	if len(args) < n {
		fmt.Fprintln(os.Stderr, "Usage: aixin "+usageLine)
		os.Exit(1)
	}
}

func printMessage(m aixin.Message) {
	ts := time.UnixMilli(m.Timestamp).Format("2006-01-02 15:04:05")
	where := ""
	if m.GroupID != "" {
		where = " @" + m.GroupID
	}
	fmt.Printf("[%s]%s %s: %s\n", ts, where, m.From, m.Content)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
