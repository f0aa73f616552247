package sshlogs

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/gluk-w/shellmux/internal/logutil"
	"github.com/gluk-w/shellmux/internal/sshsession"
)

const (
	LogRoot         = "/var/log"
	DefaultPageSize = 200
	MaxPageSize     = 5000
	// MaxLines bounds page*pageSize so one page never transfers more than
	// this many lines.
	MaxLines = 200000

	// exitMissing is the exit code the read commands use for a missing file.
	exitMissing = 3
)

// LogFile is one readable file under LogRoot.
type LogFile struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	HumanSize string    `json:"humanSize"`
	Modified  time.Time `json:"modified"`
}

// Page is one page of log lines, oldest first.
type Page struct {
	Source   string   `json:"source"`
	Lines    []string `json:"lines"`
	Page     int      `json:"page"`
	PageSize int      `json:"pageSize"`
	HasMore  bool     `json:"hasMore"`
}

// Reader runs log commands through a Session's dashboard executor.
type Reader struct {
	s       *sshsession.Session
	account string
}

func New(s *sshsession.Session) *Reader {
	return &Reader{s: s}
}

// As returns a Reader that runs its commands as account.
func (r *Reader) As(account string) *Reader {
	return &Reader{s: r.s, account: account}
}

var q = sshsession.ShellQuote

var unitPattern = regexp.MustCompile(`^[A-Za-z0-9@._:\\-]+$`)

// BuildListCommand lists regular files under LogRoot as size|path|mtime.
func BuildListCommand() string {
	return fmt.Sprintf(`find %s -maxdepth 3 -type f -readable -printf '%%s|%%p|%%T@\n' 2>/dev/null`, LogRoot)
}

// BuildReadCommand returns the command for a page of path. It prints the
// newest page*pageSize+1 lines so the caller can tell whether older lines
// exist.
func BuildReadCommand(path string, page, pageSize int, filter string) string {
	n := page*pageSize + 1
	if filter == "" {
		return fmt.Sprintf("test -e %s || exit %d; tail -n %d %s", q(path), exitMissing, n, q(path))
	}
	return fmt.Sprintf("test -e %s || exit %d; grep -F -- %s %s | tail -n %d", q(path), exitMissing, q(filter), q(path), n)
}

// BuildJournalCommand returns the journalctl command for a page of unit's
// journal. An empty unit reads the whole journal.
func BuildJournalCommand(unit string, page, pageSize int) string {
	cmd := fmt.Sprintf("journalctl --no-pager -o short-iso -n %d", page*pageSize+1)
	if unit != "" {
		cmd += " -u " + q(unit)
	}
	return cmd
}

func normalizePage(op string, page, pageSize int) (int, int, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		return 0, 0, sshsession.NewError(sshsession.KindInvalid, op, nil, "page size %d exceeds %d", pageSize, MaxPageSize)
	}
	if page > MaxLines/pageSize {
		return 0, 0, sshsession.NewError(sshsession.KindSizeExceeded, op, nil, "page %d is deeper than %d lines", page, MaxLines)
	}
	return page, pageSize, nil
}

func (r *Reader) run(ctx context.Context, op, cmd string) (*sshsession.CommandResult, error) {
	res, err := r.s.Dashboard().ExecuteAs(ctx, cmd, r.account)
	if err != nil {
		return nil, err
	}
	if res.Truncated {
		return nil, sshsession.NewError(sshsession.KindSizeExceeded, op, nil, "output exceeded the dashboard limit")
	}
	return res, nil
}

// ListLogFiles returns readable files under LogRoot ordered by path.
func (r *Reader) ListLogFiles(ctx context.Context) ([]LogFile, error) {
	const op = "list log files"
	res, err := r.run(ctx, op, BuildListCommand())
	if err != nil {
		return nil, err
	}
	// find exits non-zero when some directories are unreadable; the files it
	// could list are still valid.
	files := ParseFileList(res.Stdout)
	if res.ExitCode != 0 && len(files) == 0 && strings.TrimSpace(res.Stderr) != "" {
		return nil, sshsession.NewError(sshsession.KindCommand, op, nil, "exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return files, nil
}

// ParseFileList parses size|path|mtime lines. Malformed lines are skipped.
func ParseFileList(out string) []LogFile {
	var files []LogFile
	for _, line := range splitLines(out) {
		parts := strings.SplitN(line, "|", 3)
		if len(parts) != 3 {
			continue
		}
		size, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			continue
		}
		modified, err := parseEpoch(parts[2])
		if err != nil {
			continue
		}
		files = append(files, LogFile{
			Path:      parts[1],
			Size:      size,
			HumanSize: units.HumanSize(float64(size)),
			Modified:  modified,
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files
}

// parseEpoch parses find's %T@ output, seconds with a fractional part.
func parseEpoch(v string) (time.Time, error) {
	whole, frac, _ := strings.Cut(v, ".")
	secs, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	var nsec int64
	if frac != "" {
		frac = (frac + "000000000")[:9]
		if nsec, err = strconv.ParseInt(frac, 10, 64); err != nil {
			return time.Time{}, err
		}
	}
	return time.Unix(secs, nsec), nil
}

// ReadLog returns one page of path, optionally only lines containing filter.
func (r *Reader) ReadLog(ctx context.Context, path string, page, pageSize int, filter string) (*Page, error) {
	const op = "read log"
	if path == "" || !strings.HasPrefix(path, "/") {
		return nil, sshsession.NewError(sshsession.KindInvalid, op, nil, "log path must be absolute")
	}
	page, pageSize, err := normalizePage(op, page, pageSize)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := r.run(ctx, op, BuildReadCommand(path, page, pageSize, filter))
	if err != nil {
		return nil, err
	}
	switch res.ExitCode {
	case 0:
	case exitMissing:
		return nil, sshsession.NewError(sshsession.KindNotFound, op, nil, "%s does not exist", path)
	default:
		return nil, sshsession.NewError(sshsession.KindCommand, op, nil, "exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	p := paginate(splitLines(res.Stdout), page, pageSize)
	p.Source = path
	log.Printf("[logs] read %s page %d (%d lines) in %s", logutil.SanitizeForLog(path), page, len(p.Lines), time.Since(start))
	return p, nil
}

// ReadJournal returns one page of the systemd journal.
func (r *Reader) ReadJournal(ctx context.Context, unit string, page, pageSize int) (*Page, error) {
	const op = "read journal"
	if unit != "" && !unitPattern.MatchString(unit) {
		return nil, sshsession.NewError(sshsession.KindInvalid, op, nil, "invalid unit name %q", unit)
	}
	page, pageSize, err := normalizePage(op, page, pageSize)
	if err != nil {
		return nil, err
	}
	res, err := r.run(ctx, op, BuildJournalCommand(unit, page, pageSize))
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, sshsession.NewError(sshsession.KindCommand, op, nil, "exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	p := paginate(splitLines(res.Stdout), page, pageSize)
	p.Source = "journal"
	if unit != "" {
		p.Source = "journal:" + unit
	}
	return p, nil
}

// paginate picks page from the newest page*pageSize+1 lines.
func paginate(lines []string, page, pageSize int) *Page {
	window := page * pageSize
	hasMore := len(lines) > window
	if hasMore {
		lines = lines[len(lines)-window:]
	}
	end := len(lines) - (page-1)*pageSize
	if end < 0 {
		end = 0
	}
	begin := end - pageSize
	if begin < 0 {
		begin = 0
	}
	out := make([]string, end-begin)
	copy(out, lines[begin:end])
	return &Page{Lines: out, Page: page, PageSize: pageSize, HasMore: hasMore || begin > 0}
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}
