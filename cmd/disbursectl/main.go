package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"disburse/internal/broker"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "tasks":
		runTasks(os.Args[2:])
	case "instructions":
		runInstructions(os.Args[2:])
	case "receipts":
		runReceipts(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: disbursectl <tasks|instructions|receipts> [...]")
}

func serverFlag(fs *pflag.FlagSet) *string {
	def := os.Getenv("DISBURSE_URL")
	if def == "" {
		def = "http://localhost:8080"
	}
	return fs.String("server", def, "disburse base URL")
}

func runTasks(args []string) {
	const help = "usage: disbursectl tasks <list|get|rerun|set|history> [...]"
	if len(args) < 1 {
		fatalf(help)
	}
	fs := pflag.NewFlagSet("tasks "+args[0], pflag.ExitOnError)
	server := serverFlag(fs)
	actor := fs.String("actor", os.Getenv("USER"), "name recorded in the task history")

	switch args[0] {
	case "list":
		statuses := fs.StringSlice("status", nil, "filter by status, repeatable")
		kind := fs.String("kind", "", "filter by kind")
		after := fs.String("after", "", "only tasks updated after this RFC 3339 time")
		page := fs.Int("page", 1, "page number")
		pageSize := fs.Int("page-size", 20, "page size")
		_ = fs.Parse(args[1:])
		q := url.Values{}
		for _, s := range *statuses {
			q.Add("status", s)
		}
		if *kind != "" {
			q.Set("kind", *kind)
		}
		if *after != "" {
			q.Set("after", *after)
		}
		q.Set("page", fmt.Sprint(*page))
		q.Set("pageSize", fmt.Sprint(*pageSize))
		call(http.MethodGet, *server+"/api/tasks?"+q.Encode(), "", nil)
	case "get", "history", "rerun":
		_ = fs.Parse(args[1:])
		id := requireArg(fs, "task id")
		switch args[0] {
		case "get":
			call(http.MethodGet, *server+"/api/tasks/"+url.PathEscape(id), "", nil)
		case "history":
			call(http.MethodGet, *server+"/api/tasks/"+url.PathEscape(id)+"/history", "", nil)
		default:
			call(http.MethodPut, *server+"/api/tasks/"+url.PathEscape(id)+"/rerun", *actor, nil)
		}
	case "set":
		status := fs.String("status", "", "new status: IN_PROGRESS, COMPLETE, FAIL or MANUAL")
		message := fs.String("message", "", "message stored on the task")
		_ = fs.Parse(args[1:])
		id := requireArg(fs, "task id")
		if *status == "" {
			fatalf("--status is required")
		}
		body, _ := json.Marshal(map[string]string{"status": strings.ToUpper(*status), "message": *message})
		call(http.MethodPatch, *server+"/api/tasks/"+url.PathEscape(id), *actor, body)
	default:
		fatalf(help)
	}
}

func runInstructions(args []string) {
	if len(args) < 1 || args[0] != "get" {
		fatalf("usage: disbursectl instructions get <system> <case> <decision> [--instruction-id ID]")
	}
	fs := pflag.NewFlagSet("instructions get", pflag.ExitOnError)
	server := serverFlag(fs)
	instructionID := fs.String("instruction-id", "", "instruction id within the decision")
	_ = fs.Parse(args[1:])
	if fs.NArg() != 3 {
		fatalf("system, case and decision are required")
	}
	u := fmt.Sprintf("%s/api/instructions/%s/%s/%s", *server,
		url.PathEscape(fs.Arg(0)), url.PathEscape(fs.Arg(1)), url.PathEscape(fs.Arg(2)))
	if *instructionID != "" {
		u += "?instructionId=" + url.QueryEscape(*instructionID)
	}
	call(http.MethodGet, u, "", nil)
}

// runReceipts talks to the receipt queue directly.
func runReceipts(args []string) {
	const help = "usage: disbursectl receipts <publish FILE|dead> [...]"
	if len(args) < 1 {
		fatalf(help)
	}
	fs := pflag.NewFlagSet("receipts "+args[0], pflag.ExitOnError)
	addr := fs.String("redis-addr", envOr("REDIS_ADDR", "localhost:6379"), "Redis address")
	password := fs.String("redis-password", os.Getenv("REDIS_PASSWORD"), "Redis password")
	key := fs.String("queue", "disburse:receipts", "receipt queue key")
	limit := fs.Int64("limit", 20, "dead letters to show")
	_ = fs.Parse(args[1:])

	q := broker.NewRedis(broker.Config{Addr: *addr, Password: *password, Key: *key})
	defer q.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "publish":
		path := requireArg(fs, "receipt file")
		body, err := os.ReadFile(path)
		if err != nil {
			fatalf("read receipt: %v", err)
		}
		if err := q.Publish(ctx, body); err != nil {
			fatalf("publish: %v", err)
		}
		fmt.Printf("published %s\n", path)
	case "dead":
		dead, err := q.DeadLetters(ctx, *limit)
		if err != nil {
			fatalf("list dead letters: %v", err)
		}
		for _, d := range dead {
			fmt.Println(d)
		}
	default:
		fatalf(help)
	}
}

func call(method, u, actor string, body []byte) {
	req, err := http.NewRequest(method, u, bytes.NewReader(body))
	if err != nil {
		fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Actor", actor)
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)

	var pretty bytes.Buffer
	if json.Indent(&pretty, out, "", "  ") == nil {
		out = pretty.Bytes()
	}
	if resp.StatusCode >= 300 {
		fatalf("%s: %s", resp.Status, strings.TrimSpace(string(out)))
	}
	fmt.Println(strings.TrimSpace(string(out)))
}

func requireArg(fs *pflag.FlagSet, name string) string {
	if fs.NArg() < 1 || strings.TrimSpace(fs.Arg(0)) == "" {
		fatalf("%s is required", name)
	}
	return fs.Arg(0)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
