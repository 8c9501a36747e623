package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Iron-Ham/grind/internal/errors"
	"github.com/Iron-Ham/grind/internal/execlog"
	"github.com/Iron-Ham/grind/internal/lockstore"
	"github.com/Iron-Ham/grind/internal/queue"
	"github.com/Iron-Ham/grind/internal/scaling"
	"github.com/Iron-Ham/grind/internal/util"
	"github.com/charmbracelet/lipgloss"
	"github.com/gobwas/glob"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task status derived from the execution log",
	Long: `Replay the execution log against the queue and show each task's status,
attempt count, last worker, and current lock holder.

Use --match with a glob such as "build-*" to limit the tasks shown, and
--min-intensity to hide tasks below an intensity tier.`,
	RunE: runStatus,
}

var (
	statusMatch        string
	statusMinIntensity string
	statusJSON         bool
)

func init() {
	statusCmd.Flags().StringVar(&statusMatch, "match", "", "only show task ids matching this glob")
	statusCmd.Flags().StringVar(&statusMinIntensity, "min-intensity", "", "only show tasks at or above this intensity (low, medium, high)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(statusCmd)
}

// taskRow is one line of status output.
type taskRow struct {
	ID        string `json:"id"`
	Intensity string `json:"intensity"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	Worker    string `json:"worker,omitempty"`
	Lock      string `json:"lock,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// rowFilter selects the tasks status shows. The zero value keeps all.
type rowFilter struct {
	match        glob.Glob
	minIntensity queue.Intensity
}

func (f rowFilter) keep(t *queue.Task) bool {
	if f.match != nil && !f.match.Match(t.ID) {
		return false
	}
	return f.minIntensity == "" || t.Intensity.Rank() >= f.minIntensity.Rank()
}

const (
	statusBlocked = "blocked"
	detailWidth   = 60
)

func runStatus(cmd *cobra.Command, args []string) error {
	e, err := openEnv("")
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	var filter rowFilter
	if statusMatch != "" {
		if filter.match, err = glob.Compile(statusMatch); err != nil {
			return fmt.Errorf("invalid --match pattern: %w", err)
		}
	}
	if statusMinIntensity != "" {
		filter.minIntensity = queue.Intensity(strings.ToLower(statusMinIntensity))
		if filter.minIntensity.Rank() < 0 {
			return fmt.Errorf("invalid --min-intensity %q: must be low, medium, or high", statusMinIntensity)
		}
	}

	states, err := e.log.States()
	if err != nil {
		return err
	}
	locks, err := e.locks.List()
	if err != nil {
		return err
	}

	rows := buildRows(e.queue, states, locks, e.locks.Timeout(), time.Now(), filter)
	load := scaling.Measure(e.queue, execlog.Statuses(states))

	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Queue string       `json:"queue"`
			Load  scaling.Load `json:"load"`
			Tasks []taskRow    `json:"tasks"`
		}{e.queue.Name, load, rows})
	}

	exclusive := ""
	if ex, err := e.locks.Exclusive(); err == nil {
		exclusive = fmt.Sprintf("exclusive lock held by %s for %s", ex.WorkerID, ex.TaskID)
	} else if !errors.Is(err, errors.ErrLockNotFound) {
		return err
	}

	printStatus(out, e.queue.Name, load, rows, exclusive, isTerminal(out))
	return nil
}

func buildRows(q *queue.Queue, states map[string]execlog.TaskState, locks []lockstore.Lock,
	timeout time.Duration, now time.Time, filter rowFilter) []taskRow {
	blocked := make(map[string]bool)
	for _, id := range queue.Blocked(q, execlog.Statuses(states)) {
		blocked[id] = true
	}
	held := make(map[string]lockstore.Lock, len(locks))
	for _, l := range locks {
		held[l.TaskID] = l
	}

	var rows []taskRow
	for _, t := range q.Tasks {
		if !filter.keep(t) {
			continue
		}
		st, ok := states[t.ID]
		row := taskRow{ID: t.ID, Intensity: string(t.Intensity), Status: string(queue.StatusPending)}
		if ok {
			row.Status = string(st.Status)
			row.Attempts = st.Attempts
			row.Worker = st.WorkerID
			row.Detail = st.Error
			if row.Detail == "" {
				row.Detail = st.Result
			}
		}
		if blocked[t.ID] {
			row.Status = statusBlocked
		}
		if l, ok := held[t.ID]; ok {
			age := l.Age(now)
			row.Lock = fmt.Sprintf("%s %s", l.WorkerID, age.Round(time.Second))
			if age > timeout {
				row.Lock += " stale"
			}
		}
		row.Detail = util.Summary(row.Detail, detailWidth)
		rows = append(rows, row)
	}
	return rows
}

var headerStyle = lipgloss.NewStyle().Bold(true)

var statusStyles = map[string]lipgloss.Style{
	string(queue.StatusCompleted):  lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
	string(queue.StatusFailed):     lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	string(queue.StatusInProgress): lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
	statusBlocked:                  lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func printStatus(w io.Writer, name string, load scaling.Load, rows []taskRow, exclusive string, color bool) {
	render := func(style lipgloss.Style, s string) string {
		if !color {
			return s
		}
		return style.Render(s)
	}

	header := []string{"TASK", "STATUS", "INTENSITY", "ATTEMPTS", "WORKER", "LOCK", "DETAIL"}
	cells := make([][]string, 0, len(rows))
	for _, r := range rows {
		cells = append(cells, []string{r.ID, r.Status, r.Intensity, strconv.Itoa(r.Attempts), r.Worker, r.Lock, r.Detail})
	}
	widths := make([]int, len(header))
	for _, line := range append([][]string{header}, cells...) {
		for i, c := range line {
			widths[i] = max(widths[i], lipgloss.Width(c))
		}
	}
	pad := func(line []string, i int) string {
		if i == len(line)-1 {
			return line[i]
		}
		return line[i] + strings.Repeat(" ", widths[i]-lipgloss.Width(line[i])+2)
	}

	fmt.Fprintf(w, "%s\n", render(headerStyle, "Queue: "+name))
	fmt.Fprintf(w, "%d completed, %d failed, %d in progress, %d pending, %d blocked\n",
		load.Completed, load.Failed, load.InProgress, load.Pending, load.Blocked)
	if exclusive != "" {
		fmt.Fprintln(w, exclusive)
	}
	fmt.Fprintln(w)

	var b strings.Builder
	for i := range header {
		b.WriteString(render(headerStyle, pad(header, i)))
	}
	fmt.Fprintln(w, strings.TrimRight(b.String(), " "))

	for _, line := range cells {
		b.Reset()
		for i := range line {
			cell := pad(line, i)
			if i == 1 {
				if style, ok := statusStyles[line[1]]; ok {
					cell = render(style, cell)
				}
			}
			b.WriteString(cell)
		}
		fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	}
}
