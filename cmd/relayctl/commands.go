package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"taskrelay/internal/fetchrelay"
	"taskrelay/internal/protocol"
	serverApp "taskrelay/internal/server/app"
	"taskrelay/internal/task"
	"taskrelay/internal/workflow"

	"github.com/kaptinlin/jsonrepair"
	"github.com/spf13/cobra"
)

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the relay's debug status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, client, done, err := dial(cmd, opts)
			if err != nil {
				return err
			}
			defer done()

			var st serverApp.DebugStatus
			if err := client.Call(ctx, protocol.MethodDebugGetStatus, nil, &st); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if opts.json {
				return printJSON(w, st)
			}
			fmt.Fprintf(w, "%s %s  uptime %ds\n", bold("relay"), st.Version, st.UptimeMs/1000)
			fmt.Fprintf(w, "clients     %d %s\n", st.Clients, gray(strings.Join(st.ClientIDs, ", ")))
			if len(st.StaleClients) > 0 {
				fmt.Fprintf(w, "stale       %s\n", yellow(strings.Join(st.StaleClients, ", ")))
			}
			for _, s := range []task.Status{task.StatusPending, task.StatusProcessing, task.StatusCompleted, task.StatusFailed, task.StatusCancelled} {
				fmt.Fprintf(w, "tasks %-11s %d\n", statusColor(string(s)), st.Tasks[s])
			}
			fmt.Fprintf(w, "workflows   %d active, %d pending requests\n", st.ActiveWorkflows, st.PendingRequests)
			fmt.Fprintf(w, "chats       %d active\n", st.ActiveChats)
			fmt.Fprintf(w, "fetches     %d inflight\n", st.InflightFetches)
			fmt.Fprintf(w, "crash dumps %d\n", st.CrashDumps)
			fmt.Fprintf(w, "broadcast   sent=%d dropped=%d\n", st.Broadcaster.TotalEventsSent, st.Broadcaster.DroppedEvents)
			return nil
		},
	}
}

func newEventsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events [event...]",
		Short: "Tail broadcasts until interrupted",
		Long:  "Tail broadcasts. With no arguments every event is shown; prefixes such as task: filter by family.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, client, done, err := dial(cmd, opts)
			if err != nil {
				return err
			}
			defer done()

			w := cmd.OutOrStdout()
			client.OnBroadcast("*", func(event string, data json.RawMessage) {
				if !matchesAny(event, args) {
					return
				}
				if opts.json {
					fmt.Fprintf(w, "{\"event\":%q,\"data\":%s}\n", event, data)
					return
				}
				printEvent(w, event, data)
			})
			fmt.Fprintln(cmd.ErrOrStderr(), gray("listening on "+opts.url+" (ctrl-c to stop)"))
			<-ctx.Done()
			return nil
		},
	}
}

func matchesAny(event string, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if event == f || (strings.HasSuffix(f, ":") && strings.HasPrefix(event, f)) {
			return true
		}
	}
	return false
}

func newTasksCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "tasks", Short: "List and manage generation tasks"}

	var q task.ListQuery
	var status, taskType, order string
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, client, done, err := dial(cmd, opts)
			if err != nil {
				return err
			}
			defer done()

			q.Status = task.Status(status)
			q.Type = task.Type(taskType)
			q.SortOrder = task.SortOrder(order)
			var page task.Page
			if err := client.Call(ctx, protocol.MethodTaskListPaginated, q, &page); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if opts.json {
				return printJSON(w, page)
			}
			for _, t := range page.Tasks {
				printTask(w, t)
			}
			fmt.Fprintln(w, gray(fmt.Sprintf("%d of %d (offset %d)", len(page.Tasks), page.Total, page.Offset)))
			return nil
		},
	}
	list.Flags().IntVar(&q.Limit, "limit", 20, "page size")
	list.Flags().IntVar(&q.Offset, "offset", 0, "page offset")
	list.Flags().StringVar(&status, "status", "", "filter by status")
	list.Flags().StringVar(&taskType, "type", "", "filter by type")
	list.Flags().StringVar(&order, "order", "", "asc or desc")

	var prompt, size, taskID string
	var params []string
	var wait bool
	create := &cobra.Command{
		Use:   "create <type>",
		Short: "Create a task, optionally waiting for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			if prompt != "" {
				p["prompt"] = prompt
			}
			if size != "" {
				p["size"] = size
			}

			ctx, client, done, err := dial(cmd, opts)
			if err != nil {
				return err
			}
			defer done()

			// Subscribed before create so a fast task is not missed; the id
			// is only known afterwards, so waitTask filters.
			finished := make(chan task.Task, 64)
			if wait {
				for _, ev := range []string{protocol.EventTaskCompleted, protocol.EventTaskFailed, protocol.EventTaskCancelled} {
					client.OnBroadcast(ev, func(_ string, data json.RawMessage) {
						var t task.Task
						if json.Unmarshal(data, &t) == nil {
							select {
							case finished <- t:
							default:
							}
						}
					})
				}
			}

			var res task.CreateResult
			if err := client.Call(ctx, protocol.MethodTaskCreate, serverApp.TaskCreateParams{TaskID: taskID, Type: args[0], Params: p}, &res); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if !res.Success {
				if res.Reason == task.ReasonDuplicate {
					return fmt.Errorf("duplicate of task %s", res.ExistingTaskID)
				}
				return errors.New(res.Error)
			}
			if opts.json && !wait {
				return printJSON(w, res.Task)
			}
			taskID = res.Task.ID
			printTask(w, *res.Task)
			if !wait {
				return nil
			}
			return waitTask(ctx, client, w, taskID, finished, opts.json)
		},
	}
	create.Flags().StringVar(&taskID, "id", "", "task id (generated when empty)")
	create.Flags().StringVarP(&prompt, "prompt", "p", "", "generation prompt")
	create.Flags().StringVar(&size, "size", "", "output size, e.g. 1024x1024 or 16:9")
	create.Flags().StringArrayVar(&params, "param", nil, "extra key=value parameter (repeatable)")
	create.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the task to finish")

	cmd.AddCommand(list, create,
		taskActionCmd(opts, "get", "Show one task", protocol.MethodTaskGet),
		taskActionCmd(opts, "cancel", "Cancel a pending or running task", protocol.MethodTaskCancel),
		taskActionCmd(opts, "retry", "Retry a failed or cancelled task", protocol.MethodTaskRetry),
	)
	return cmd
}

type caller interface {
	Call(ctx context.Context, method string, params any, out any) error
}

// waitTask blocks until finished delivers taskID in a terminal state. A
// failed task is re-read so the printed error is the stored one.
func waitTask(ctx context.Context, client caller, w io.Writer, taskID string, finished <-chan task.Task, asJSON bool) error {
	var final task.Task
	for final.ID != taskID {
		select {
		case final = <-finished:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if final.Status != task.StatusCompleted {
		var res serverApp.TaskResult
		if err := client.Call(ctx, protocol.MethodTaskGet, serverApp.TaskIDParams{TaskID: taskID}, &res); err == nil && res.Task != nil {
			final = *res.Task
		}
	}
	if asJSON {
		return printJSON(w, final)
	}
	printTask(w, final)
	if final.Status != task.StatusCompleted {
		return fmt.Errorf("task %s %s", final.ID, final.Status)
	}
	return nil
}

func taskActionCmd(opts *globalOptions, use, short, method string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, client, done, err := dial(cmd, opts)
			if err != nil {
				return err
			}
			defer done()

			var res serverApp.TaskResult
			if err := client.Call(ctx, method, serverApp.TaskIDParams{TaskID: args[0]}, &res); err != nil {
				return err
			}
			if !res.Success {
				return errors.New(res.Error)
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), res.Task)
			}
			printTask(cmd.OutOrStdout(), *res.Task)
			return nil
		},
	}
}

func parseParams(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs)+2)
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			out[key] = decoded
			continue
		}
		if trimmed := strings.TrimSpace(value); strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			// Hand-typed objects often use single quotes or trailing commas.
			repaired, err := jsonrepair.JSONRepair(trimmed)
			if err != nil || json.Unmarshal([]byte(repaired), &decoded) != nil {
				return nil, fmt.Errorf("--param %s: malformed JSON value %q", key, value)
			}
			out[key] = decoded
			continue
		}
		out[key] = value
	}
	return out, nil
}

func newWorkflowCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "workflow", Short: "Submit and inspect workflows"}

	var req workflow.Request
	var wait bool
	submit := &cobra.Command{
		Use:   "submit",
		Short: "Submit a generation request as a workflow",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, client, done, err := dial(cmd, opts)
			if err != nil {
				return err
			}
			defer done()

			w := cmd.OutOrStdout()
			terminal := make(chan workflow.TerminalEvent, 16)
			var submitted atomic.Value
			submitted.Store("")
			if wait {
				for _, ev := range []string{protocol.EventWorkflowCompleted, protocol.EventWorkflowFailed} {
					client.OnBroadcast(ev, func(_ string, data json.RawMessage) {
						var te workflow.TerminalEvent
						if json.Unmarshal(data, &te) == nil {
							select {
							case terminal <- te:
							default:
							}
						}
					})
				}
				client.OnBroadcast(protocol.EventWorkflowStepStatus, func(event string, data json.RawMessage) {
					id := submitted.Load().(string)
					if !opts.json && id != "" && strings.Contains(string(data), id) {
						printEvent(w, event, data)
					}
				})
			}

			var res serverApp.WorkflowResult
			if err := client.Call(ctx, protocol.MethodWorkflowSubmit, workflow.SubmitParams{Request: &req}, &res); err != nil {
				return err
			}
			if !res.Success {
				return errors.New(res.Error)
			}
			workflowID := res.WorkflowID
			submitted.Store(workflowID)
			if !wait {
				if opts.json {
					return printJSON(w, res.Workflow)
				}
				fmt.Fprintf(w, "%s %s (%d steps)\n", bold("submitted"), workflowID, len(res.Workflow.Steps))
				return nil
			}

			for {
				select {
				case te := <-terminal:
					if te.WorkflowID != workflowID {
						continue
					}
					if opts.json {
						return printJSON(w, te)
					}
					fmt.Fprintf(w, "%s %s\n", workflowID, statusColor(string(te.Status)))
					if te.Status != workflow.StatusCompleted {
						return fmt.Errorf("workflow %s %s", workflowID, te.Status)
					}
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		},
	}
	f := submit.Flags()
	f.StringVar(&req.Scenario, "scenario", workflow.ScenarioDirectGeneration, "direct_generation or agent_flow")
	f.StringVarP(&req.Prompt, "prompt", "p", "", "what to generate")
	f.StringVar(&req.GenerationType, "type", "", "image or video")
	f.IntVarP(&req.Count, "count", "n", 1, "number of images")
	f.StringVar(&req.Size, "size", "", "output size")
	f.StringVar(&req.Model, "model", "", "model override")
	f.StringVar(&req.FailurePolicy, "failure-policy", "", "continue or stop")
	f.BoolVarP(&wait, "wait", "w", false, "wait for the workflow to finish")
	_ = submit.MarkFlagRequired("prompt")

	get := &cobra.Command{
		Use:   "get <workflow-id>",
		Short: "Show a workflow and its step summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, client, done, err := dial(cmd, opts)
			if err != nil {
				return err
			}
			defer done()

			var res serverApp.WorkflowResult
			if err := client.Call(ctx, protocol.MethodWorkflowGetStatus, serverApp.WorkflowIDParams{WorkflowID: args[0]}, &res); err != nil {
				return err
			}
			if !res.Success {
				return errors.New(res.Error)
			}
			w := cmd.OutOrStdout()
			if opts.json {
				return printJSON(w, res)
			}
			fmt.Fprintf(w, "%s %s  %d/%d steps\n", res.WorkflowID, statusColor(string(res.Summary.Status)), res.Summary.CompletedSteps, res.Summary.TotalSteps)
			for _, step := range res.Workflow.Steps {
				fmt.Fprintf(w, "  %-10s %-22s %s\n", step.ID, step.MCP, statusColor(string(step.Status)))
			}
			return nil
		},
	}

	cmd.AddCommand(submit, get)
	return cmd
}

func newFetchCmd(opts *globalOptions) *cobra.Command {
	var method, body string
	var headers []string
	var stream bool
	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Fetch a URL through the relay, falling back to a direct request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reqInit := fetchrelay.RequestInit{Method: strings.ToUpper(method), Headers: map[string]string{}}
			for _, h := range headers {
				k, v, ok := strings.Cut(h, ":")
				if !ok {
					return fmt.Errorf("invalid header %q, expected Name: value", h)
				}
				reqInit.Headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
			if body != "" {
				reqInit.Body = []byte(body)
			}

			ctx, client, done, err := dial(cmd, opts)
			if err != nil {
				return err
			}
			defer done()
			relay := fetchrelay.NewClient(client, fetchrelay.WithResultTimeout(opts.timeout))
			defer relay.Close()

			var resp fetchrelay.Response
			if stream {
				resp, err = relay.FetchStream(ctx, args[0], reqInit, func(chunk []byte) {
					_, _ = os.Stdout.Write(chunk)
				})
			} else {
				resp, err = relay.Fetch(ctx, args[0], reqInit)
			}
			if err != nil {
				return err
			}
			via := "relay"
			if !resp.Relayed {
				via = "direct"
			}
			fmt.Fprintln(cmd.ErrOrStderr(), gray(fmt.Sprintf("%d via %s, %d bytes", resp.Status, via, len(resp.Body))))
			if !stream {
				_, err = cmd.OutOrStdout().Write(resp.Body)
			}
			if ackErr := relay.Ack(ctx); ackErr != nil && err == nil {
				err = ackErr
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&method, "method", "X", "GET", "HTTP method")
	cmd.Flags().StringVarP(&body, "data", "d", "", "request body")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "request header (repeatable)")
	cmd.Flags().BoolVar(&stream, "stream", false, "print chunks as they arrive")
	return cmd
}

func newRecoverCmd(opts *globalOptions) *cobra.Command {
	var ack bool
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "List relayed results that no client has acknowledged",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, client, done, err := dial(cmd, opts)
			if err != nil {
				return err
			}
			defer done()
			relay := fetchrelay.NewClient(client)
			defer relay.Close()

			results, err := relay.RecoverResults(ctx)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if opts.json {
				if err := printJSON(w, results); err != nil {
					return err
				}
			} else {
				for _, r := range results {
					state := green(fmt.Sprint(r.Status))
					if r.Error != "" {
						state = red(r.Error)
					}
					fmt.Fprintf(w, "%-36s %s %s %s\n", r.RequestID, state, r.URL, gray(fmt.Sprintf("%d bytes", len(r.Body))))
				}
				fmt.Fprintln(w, gray(fmt.Sprintf("%d result(s)", len(results))))
			}
			if ack {
				return relay.Ack(ctx)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&ack, "ack", false, "acknowledge the listed results so they are deleted")
	return cmd
}
