package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/matheus3301/wpphub/internal/client"
	"github.com/matheus3301/wpphub/internal/lock"
	"github.com/matheus3301/wpphub/internal/pairing"
	"github.com/matheus3301/wpphub/internal/paths"
)

func main() {
	_ = godotenv.Load()

	addrFlag := flag.String("addr", os.Getenv("WPPHUB_API_ADDR"), "daemon address (default: read from the running daemon, then 127.0.0.1:8787)")
	dataDir := flag.String("data-dir", os.Getenv("WPPHUB_DATA_DIR"), "daemon data directory used to discover its address")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := client.New(resolveAddr(*addrFlag, *dataDir))
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "accounts":
		cmdAccounts(ctx, c, rest, *jsonFlag)
	case "start":
		cmdStart(ctx, c, rest, *jsonFlag)
	case "stop":
		id := requireArg(rest, 0, "usage: wpphubctl stop <account>")
		check(c.StopSession(ctx, id))
		fmt.Printf("Session for %s stopped.\n", id)
	case "restore":
		report, err := c.RestoreAll(ctx)
		check(err)
		if *jsonFlag {
			outputJSON(report)
			return
		}
		fmt.Printf("Restored %d of %d accounts.\n", report.Restored, report.Attempted)
		for id, reason := range report.Failed {
			fmt.Printf("  %-24s %s\n", id, reason)
		}
	case "sessions":
		infos, err := c.Sessions(ctx)
		check(err)
		if *jsonFlag {
			outputJSON(infos)
			return
		}
		if len(infos) == 0 {
			fmt.Println("No live sessions.")
			return
		}
		for _, s := range infos {
			note := ""
			if s.HasPairingCode {
				note = " (waiting for QR scan)"
			}
			fmt.Printf("%-24s %-12s owner=%s%s\n", s.AccountID, s.State, s.OwnerID, note)
		}
	case "sync":
		id := requireArg(rest, 0, "usage: wpphubctl sync <account>")
		res, err := c.SyncAll(ctx, id)
		check(err)
		if *jsonFlag {
			outputJSON(res)
			return
		}
		fmt.Printf("Synced %d conversations.\n", res.TotalSynced)
	case "send":
		cmdSend(ctx, c, rest, *jsonFlag)
	case "conversations":
		cmdConversations(ctx, c, rest, *jsonFlag)
	case "messages":
		cmdMessages(ctx, c, rest, *jsonFlag)
	case "read":
		conv, err := c.MarkRead(ctx, requireArg(rest, 0, "usage: wpphubctl read <conversation>"))
		check(err)
		if *jsonFlag {
			outputJSON(conv)
			return
		}
		fmt.Printf("Marked %s as read.\n", conv.ID)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

// resolveAddr prefers an explicit address, then the one the running daemon
// advertised in its lock file.
func resolveAddr(addr, dataDir string) string {
	if addr != "" {
		return addr
	}
	if h, err := lock.ReadHolder(paths.New(dataDir).LockPath()); err == nil && h.Addr != "" {
		return h.Addr
	}
	return "127.0.0.1:8787"
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: wpphubctl [--addr host:port] [--data-dir dir] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  accounts create <id> <user> [label]   Provision an account")
	fmt.Fprintln(os.Stderr, "  accounts show <id>                    Show account status")
	fmt.Fprintln(os.Stderr, "  start <id> [--png file]               Connect, printing the pairing QR")
	fmt.Fprintln(os.Stderr, "  stop <id>                             Disconnect and forget the session")
	fmt.Fprintln(os.Stderr, "  restore                               Reconnect every CONNECTED account")
	fmt.Fprintln(os.Stderr, "  sessions                              List live sessions")
	fmt.Fprintln(os.Stderr, "  sync <id>                             Sync conversations from the phone")
	fmt.Fprintln(os.Stderr, "  send <id> <to> <text> [--queue]       Send a text message")
	fmt.Fprintln(os.Stderr, "  conversations <id> [--limit n]        List conversations")
	fmt.Fprintln(os.Stderr, "  messages <conversation> [--limit n]   List messages")
	fmt.Fprintln(os.Stderr, "  read <conversation>                   Clear the unread counter")
}

func cmdAccounts(ctx context.Context, c *client.Client, args []string, jsonOut bool) {
	sub := requireArg(args, 0, "usage: wpphubctl accounts <create|show>")
	var (
		acc *client.Account
		err error
	)
	switch sub {
	case "create":
		id := requireArg(args, 1, "usage: wpphubctl accounts create <id> <user> [label]")
		user := requireArg(args, 2, "usage: wpphubctl accounts create <id> <user> [label]")
		label := ""
		if len(args) > 3 {
			label = args[3]
		}
		acc, err = c.CreateAccount(ctx, id, user, label)
	case "show":
		acc, err = c.GetAccount(ctx, requireArg(args, 1, "usage: wpphubctl accounts show <id>"))
	default:
		fmt.Fprintf(os.Stderr, "unknown accounts subcommand: %s\n", sub)
		os.Exit(1)
	}
	check(err)
	if jsonOut {
		outputJSON(acc)
		return
	}
	fmt.Printf("Account: %s\n", acc.ID)
	fmt.Printf("Owner:   %s\n", acc.UserID)
	fmt.Printf("Status:  %s\n", acc.Status)
	if acc.DisplayName != "" {
		fmt.Printf("Name:    %s (%s)\n", acc.DisplayName, acc.Phone)
	}
	if acc.LastSyncAt > 0 {
		fmt.Printf("Synced:  %s\n", time.UnixMilli(acc.LastSyncAt).Format(time.RFC3339))
	}
	if acc.QRCode != nil {
		fmt.Println("Pairing: QR code pending, run `wpphubctl start` to display it")
	}
}

func cmdStart(ctx context.Context, c *client.Client, args []string, jsonOut bool) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	pngPath := fs.String("png", "", "also write the pairing QR to this PNG file")
	user := fs.String("user", "", "owner to notify (defaults to the account owner)")
	id := requireArg(args, 0, "usage: wpphubctl start <account> [--png file] [--user id]")
	_ = fs.Parse(args[1:])

	res, err := c.StartSession(ctx, id, *user)
	check(err)
	if jsonOut {
		outputJSON(res)
		return
	}
	if res.PairingCode == "" {
		fmt.Printf("Session %s: %s\n", id, res.State)
		return
	}

	qr, err := pairing.TerminalString(res.PairingCode)
	check(err)
	fmt.Println("Scan with WhatsApp > Linked devices:")
	fmt.Println(qr)
	if *pngPath != "" {
		png, err := pairing.DecodeDataURL(res.PairingImage)
		check(err)
		check(os.WriteFile(*pngPath, png, 0600))
		fmt.Printf("QR written to %s\n", *pngPath)
	}
}

func cmdSend(ctx context.Context, c *client.Client, args []string, jsonOut bool) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	queue := fs.Bool("queue", false, "deliver through the outbox")
	usage := "usage: wpphubctl send <account> <to> <text> [--queue]"
	id, to, text := requireArg(args, 0, usage), requireArg(args, 1, usage), requireArg(args, 2, usage)
	_ = fs.Parse(args[3:])

	req := client.SendRequest{To: to, Content: text}
	if *queue {
		entry, err := c.Enqueue(ctx, id, req)
		check(err)
		if jsonOut {
			outputJSON(entry)
			return
		}
		fmt.Printf("Queued as %s\n", entry.ID)
		return
	}
	res, err := c.Send(ctx, id, req)
	check(err)
	if jsonOut {
		outputJSON(res)
		return
	}
	fmt.Printf("Sent: %s\n", res.ProviderMessageID)
}

func cmdConversations(ctx context.Context, c *client.Client, args []string, jsonOut bool) {
	fs := flag.NewFlagSet("conversations", flag.ExitOnError)
	limit := fs.Int("limit", 50, "page size")
	offset := fs.Int("offset", 0, "rows to skip")
	id := requireArg(args, 0, "usage: wpphubctl conversations <account> [--limit n] [--offset n]")
	_ = fs.Parse(args[1:])

	convs, err := c.Conversations(ctx, id, *limit, *offset)
	check(err)
	if jsonOut {
		outputJSON(convs)
		return
	}
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, cv := range convs {
		fmt.Printf("%-38s %-24s %-16s unread=%-3d %s\n",
			cv.ID, cv.ContactName, cv.ContactNumber, cv.UnreadCount, formatMillis(cv.LastMessageAt))
	}
}

func cmdMessages(ctx context.Context, c *client.Client, args []string, jsonOut bool) {
	fs := flag.NewFlagSet("messages", flag.ExitOnError)
	limit := fs.Int("limit", 50, "page size")
	before := fs.String("before", "", "only messages older than this unix millis timestamp")
	id := requireArg(args, 0, "usage: wpphubctl messages <conversation> [--limit n] [--before ms]")
	_ = fs.Parse(args[1:])

	var beforeTs int64
	if *before != "" {
		v, err := strconv.ParseInt(*before, 10, 64)
		check(err)
		beforeTs = v
	}
	msgs, err := c.Messages(ctx, id, beforeTs, *limit)
	check(err)
	if jsonOut {
		outputJSON(msgs)
		return
	}
	// Newest first from the API; print oldest first.
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		arrow := "<"
		if m.Direction == "OUTBOUND" {
			arrow = ">"
		}
		fmt.Printf("%s %s [%s] %s\n", formatMillis(m.Timestamp), arrow, m.Status, m.Content)
	}
}

func requireArg(args []string, i int, usage string) string {
	if len(args) <= i {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	return args[i]
}

func check(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
