package main

import (
	"bytes"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"dealcoord/internal/domain"
)

type embeddedCoordinator struct {
	cmd *exec.Cmd
}

// view is the monitor's selection state. Guarded by mu since refreshes run
// off the UI goroutine.
type view struct {
	mu             sync.Mutex
	caseID         string
	agent          string
	selectedFlagID string
	flags          []domain.RedFlagInstance
	workflows      []domain.WorkflowInstance
}

func (v *view) snapshot() (caseID, agent, selected string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.caseID, v.agent, v.selectedFlagID
}

func main() {
	addr := flag.String("addr", "http://localhost:8091", "coordinator base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	caseID := flag.String("case", "", "restrict panels to one deal case")
	agentName := flag.String("agent", "financial", "agent whose inbox is shown")
	embedded := flag.Bool("embedded", false, "start the coordinator for the lifetime of the monitor")
	coordinatorBinary := flag.String("coordinator-bin", "", "path to coordinator binary (optional in embedded mode)")
	dbPath := flag.String("db", "data/embedded.db", "sqlite db path for embedded coordinator")
	catalogPath := flag.String("catalog", "", "catalog passed to the embedded coordinator")
	flag.Parse()

	c := newClient(*addr)

	if *embedded {
		proc, err := startEmbeddedCoordinator(*addr, *coordinatorBinary, *dbPath, *catalogPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded coordinator: %v\n", err)
			os.Exit(1)
		}
		defer proc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "coordinator health check failed: %v\n", err)
		os.Exit(1)
	}

	state := &view{caseID: *caseID, agent: *agentName}

	app := tview.NewApplication()
	flagsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	flagsTable.SetTitle("Open red flags (Enter history, F5 refresh, F10 quit)").SetBorder(true)

	historyView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	historyView.SetTitle("Escalation history").SetBorder(true)

	workflowsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	workflowsView.SetTitle("Approvals in progress").SetBorder(true)

	inboxView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	inboxView.SetTitle("Inbox: " + *agentName).SetBorder(true)

	commandInput := tview.NewInputField().
		SetLabel("> ")
	commandInput.SetBorder(true).SetTitle(commandHelp)

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, Ctrl+L command, Ctrl+T flags",
		c.baseURL,
		*embedded,
	))

	left := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(flagsTable, 0, 3, true).
		AddItem(historyView, 0, 2, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(workflowsView, 0, 1, false).
		AddItem(inboxView, 0, 1, false)
	mainLayout := tview.NewFlex().
		AddItem(left, 0, 3, true).
		AddItem(right, 0, 2, false)
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, true).
		AddItem(commandInput, 3, 0, false).
		AddItem(statusView, 3, 0, false)

	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshHistory := func(flagID string) {
		if flagID == "" {
			return
		}
		go func() {
			items, err := c.flagHistory(flagID)
			state.mu.Lock()
			var selected domain.RedFlagInstance
			for _, f := range state.flags {
				if f.ID == flagID {
					selected = f
				}
			}
			state.mu.Unlock()
			app.QueueUpdateDraw(func() {
				if err != nil {
					historyView.SetText(fmt.Sprintf("error: %v", err))
					return
				}
				historyView.SetText(renderFlagHistory(selected, items))
			})
		}()
	}

	refreshAll := func() {
		caseFilter, agent, selected := state.snapshot()
		flags, flagsErr := c.listFlags(caseFilter)
		workflows, wfErr := c.listWorkflows(caseFilter)
		msgs, inboxErr := c.inbox(agent, caseFilter, 50)
		sweeps, sweepErr := c.sweeps()

		if flagsErr == nil {
			sortFlags(flags)
			state.mu.Lock()
			state.flags = flags
			if selected == "" && len(flags) > 0 {
				state.selectedFlagID = flags[0].ID
				selected = flags[0].ID
			}
			state.mu.Unlock()
		}
		if wfErr == nil {
			state.mu.Lock()
			state.workflows = workflows
			state.mu.Unlock()
		}

		now := time.Now()
		app.QueueUpdateDraw(func() {
			if flagsErr != nil {
				flagsTable.Clear()
				flagsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", flagsErr)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			} else {
				renderFlagsTable(flagsTable, flags, selected, now)
			}
			if wfErr != nil {
				workflowsView.SetText(fmt.Sprintf("error: %v", wfErr))
			} else {
				workflowsView.SetText(renderWorkflows(workflows))
			}
			inboxView.SetTitle("Inbox: " + agent)
			if inboxErr != nil {
				inboxView.SetText(fmt.Sprintf("error: %v", inboxErr))
			} else {
				inboxView.SetText(renderInbox(agent, msgs))
			}
			if sweepErr == nil {
				statusView.SetText(fmt.Sprintf("%s | case=%s | %s", c.baseURL, firstNonEmpty(caseFilter, "*"), renderSweeps(sweeps)))
			}
		})
		refreshHistory(selected)
	}

	runCommand := func(line string) {
		cmd, err := parseCommand(line)
		if err != nil {
			setStatusAsync("[red]" + err.Error() + "[-]")
			return
		}
		state.mu.Lock()
		flagIDs := make([]string, 0, len(state.flags))
		for _, f := range state.flags {
			flagIDs = append(flagIDs, f.ID)
		}
		workflowIDs := make([]string, 0, len(state.workflows))
		for _, w := range state.workflows {
			workflowIDs = append(workflowIDs, w.ID)
		}
		state.mu.Unlock()

		switch {
		case cmd.verb == "approve" || cmd.verb == "reject":
			err = c.decide(expandID(cmd.target, workflowIDs), cmd.verb, cmd.actor, cmd.note)
		case flagVerbs[cmd.verb] != "":
			err = c.setFlagStatus(expandID(cmd.target, flagIDs), flagVerbs[cmd.verb], cmd.actor, cmd.note)
		case cmd.verb == "sweep":
			var n int
			n, err = c.runSweep(cmd.target)
			if err == nil {
				setStatusAsync(fmt.Sprintf("sweep %s processed %d", cmd.target, n))
			}
		case cmd.verb == "agent":
			state.mu.Lock()
			state.agent = cmd.target
			state.mu.Unlock()
		case cmd.verb == "case":
			state.mu.Lock()
			state.caseID = cmd.target
			state.selectedFlagID = ""
			state.mu.Unlock()
		}
		if err != nil {
			setStatusAsync("[red]" + err.Error() + "[-]")
			return
		}
		if cmd.verb != "sweep" {
			setStatusAsync("ok: " + strings.TrimSpace(line))
		}
		refreshAll()
	}

	commandInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		line := commandInput.GetText()
		commandInput.SetText("")
		go runCommand(line)
	})

	flagsTable.SetSelectedFunc(func(row, _ int) {
		state.mu.Lock()
		if row <= 0 || row > len(state.flags) {
			state.mu.Unlock()
			return
		}
		flagID := state.flags[row-1].ID
		state.selectedFlagID = flagID
		state.mu.Unlock()
		refreshHistory(flagID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == commandInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(flagsTable)
				return nil
			}
			return event
		}
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go refreshAll()
			return nil
		case tcell.KeyCtrlL, tcell.KeyTAB:
			app.SetFocus(commandInput)
			return nil
		case tcell.KeyCtrlT, tcell.KeyEscape:
			app.SetFocus(flagsTable)
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshAll()
		for range ticker.C {
			refreshAll()
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(flagsTable).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func startEmbeddedCoordinator(addr, coordinatorBinary, dbPath, catalogPath string) (*embeddedCoordinator, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	args := []string{"--addr", ":" + port, "--db", dbPath}
	if catalogPath != "" {
		args = append(args, "--catalog", catalogPath)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(coordinatorBinary) != "" {
		cmd = exec.Command(coordinatorBinary, args...)
	} else {
		self, err := os.Executable()
		if err == nil {
			for _, name := range []string{"coordinator", "coordinator.exe"} {
				sibling := filepath.Join(filepath.Dir(self), name)
				if fileExists(sibling) {
					cmd = exec.Command(sibling, args...)
					break
				}
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/coordinator"}, args...)...)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start coordinator process: %w", err)
	}
	return &embeddedCoordinator{cmd: cmd}, nil
}

func (e *embeddedCoordinator) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
