package tui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"cloudidian/internal/api"
	"cloudidian/internal/authbridge"
	"cloudidian/internal/highlight"
	"cloudidian/internal/logging"
	"cloudidian/internal/metrics"
	"cloudidian/internal/model"
	"cloudidian/internal/poller"
	"cloudidian/internal/store"
)

// Backend is the part of the job client the dashboard calls.
type Backend interface {
	authbridge.Authorizer
	Me(ctx context.Context) (model.User, error)
	StartJob(ctx context.Context, mode model.Mode, scope model.Scope) (model.Job, error)
	CancelJob(ctx context.Context, jobID string) (model.JobStatus, error)
	Stats(ctx context.Context) (model.Stats, error)
	Categories(ctx context.Context) ([]model.Category, error)
}

// Store is the part of the credential store the dashboard uses.
type Store interface {
	LoadCredential(ctx context.Context) (model.Credential, bool, error)
	ClearCredential(ctx context.Context) error
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
	CacheCategories(ctx context.Context, cats []model.Category) error
	CachedCategories(ctx context.Context) ([]model.Category, error)
}

// InboxLoader returns the newest inbox rows for the highlight view.
type InboxLoader func(ctx context.Context) ([]highlight.Row, error)

type Deps struct {
	Backend Backend
	Store   Store
	Poller  *poller.Poller
	Bridge  *authbridge.Bridge
	Tabs    *authbridge.Tabs
	// Mode is used for jobs started from the dashboard.
	Mode model.Mode
	// Inbox is nil when no Gmail client secret is configured.
	Inbox   InboxLoader
	OpenURL func(string) error
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type viewState int

const (
	viewDashboard viewState = iota
	viewInbox
	viewDetail
)

const noticeTTL = 3 * time.Second

type notice struct {
	id   int
	text string
	err  bool
}

type AppModel struct {
	deps   Deps
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	sess       session
	stats      model.Stats
	haveStats  bool
	categories []model.Category
	tracker    *highlight.Tracker

	notice    notice
	noticeSeq int
	noticeTTL time.Duration
	status    string

	view         viewState
	inboxList    list.Model
	inboxLoading bool
	detail       viewport.Model
	selectedRow  *highlight.Row
	spinner      spinner.Model
	progress     progress.Model

	width, height int

	// send delivers messages from poller and bridge goroutines.
	send  func(tea.Msg)
	unsub func()
}

func NewAppModel(deps Deps) *AppModel {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Mode == "" {
		deps.Mode = model.ModeFast
	}
	if deps.OpenURL == nil {
		deps.OpenURL = func(string) error { return nil }
	}
	ctx, cancel := context.WithCancel(context.Background())

	il := list.New([]list.Item{}, rowDelegate{}, 0, 0)
	il.Title = "Inbox"
	il.KeyMap.Quit.SetKeys("q")

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = accentStyle

	m := &AppModel{
		deps:      deps,
		ctx:       ctx,
		cancel:    cancel,
		logger:    deps.Logger,
		sess:      session{state: stateVerifying},
		tracker:   highlight.NewTracker(nil),
		noticeTTL: noticeTTL,
		status:    "Checking session...",
		inboxList: il,
		detail:    viewport.New(0, 0),
		spinner:   sp,
		progress:  progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
		send:      func(tea.Msg) {},
	}
	if deps.Bridge != nil {
		m.unsub = deps.Bridge.Subscribe(func(c model.Credential) { m.send(authCompleteMsg{cred: c}) })
		deps.Bridge.OnTimeout(func() { m.send(authTimeoutMsg{}) })
	}
	return m
}

// SetProgram lets goroutines send messages back to the Update loop.
func (m *AppModel) SetProgram(p *tea.Program) {
	m.send = p.Send
}

// Close stops every loop the dashboard owns.
func (m *AppModel) Close() {
	m.cancel()
	if m.deps.Poller != nil {
		m.deps.Poller.Stop()
	}
	if m.deps.Bridge != nil {
		m.deps.Bridge.Stop()
	}
	if m.unsub != nil {
		m.unsub()
	}
	m.sess.closeLogin()
}

func (m *AppModel) Init() tea.Cmd {
	return tea.Batch(m.verifyCmd(), m.spinner.Tick)
}

func (m *AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.inboxList.SetSize(msg.Width, msg.Height-4)
		m.detail.Width = msg.Width
		m.detail.Height = msg.Height - 6
		m.progress.Width = min(msg.Width-4, 60)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		if !m.busy() {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case verifyResultMsg:
		return m.onVerify(msg)

	case loginStartedMsg:
		if msg.err != nil {
			m.status = ""
			return m, m.notifyErr(fmt.Sprintf("Sign-in could not start: %v", msg.err))
		}
		m.sess.closeLogin()
		m.sess.login = msg.login
		msg.login.Server.OnDeliver(func(u string) { m.deps.Bridge.Notice(m.ctx, u) })
		m.deps.Bridge.Start(m.ctx)
		m.status = "Waiting for sign-in in your browser..."
		if msg.openErr != nil {
			m.status = "Open this URL to sign in:\n" + msg.login.AuthURL
		}
		return m, m.spinner.Tick

	case authCompleteMsg:
		m.sess.login = nil
		m.sess.signIn(msg.cred)
		m.status = ""
		m.logger.Info("dashboard signed in", logging.UserHash(msg.cred.User.Email))
		return m, tea.Batch(
			m.notify("Signed in as "+displayUser(msg.cred.User)),
			m.loadStatsCmd(),
			m.loadCategoriesCmd(),
		)

	case authTimeoutMsg:
		m.sess.closeLogin()
		m.status = ""
		return m, m.notifyErr("Sign-in timed out. Press l to try again.")

	case jobStartedMsg:
		if msg.err != nil {
			m.sess.clearJob()
			return m, m.handleErr("Could not start job", msg.err)
		}
		m.followJob(msg.job)
		m.deps.Metrics.JobStarted()
		return m, m.notify(fmt.Sprintf("Job %s started", shortID(msg.job.JobID)))

	case jobUpdateMsg:
		if msg.job.JobID != m.sess.currentJobID {
			return m, nil
		}
		m.sess.currentJob = msg.job
		return m, nil

	case jobDoneMsg:
		if msg.jobID != m.sess.currentJobID {
			return m, nil
		}
		m.sess.clearJob()
		m.forgetJob()
		if msg.err != nil {
			return m, m.handleErr("Lost track of job", msg.err)
		}
		m.sess.currentJob = msg.job
		return m, tea.Batch(m.notifyJobEnd(msg.job), m.loadStatsCmd())

	case jobCancelledMsg:
		if msg.err != nil {
			return m, m.handleErr("Cancel failed", msg.err)
		}
		return m, m.notify(fmt.Sprintf("Job %s %s", shortID(msg.jobID), msg.status))

	case statsMsg:
		if msg.err != nil {
			return m, m.handleErr("Could not load stats", msg.err)
		}
		m.stats = msg.stats
		m.haveStats = true
		return m, nil

	case categoriesMsg:
		if msg.err != nil {
			m.logger.Warn("categories unavailable", logging.Err(msg.err))
			if api.IsAuthError(msg.err) {
				return m, m.handleErr("Could not load categories", msg.err)
			}
			return m, nil
		}
		m.categories = msg.categories
		m.tracker = highlight.NewTracker(msg.categories)
		return m, nil

	case inboxLoadedMsg:
		m.inboxLoading = false
		if len(msg.rows) > 0 {
			rows := m.tracker.Apply(msg.rows)
			m.inboxList.SetItems(rowsToItems(rows, m.tracker))
			m.inboxList.Title = fmt.Sprintf("Inbox (%d, %d highlighted)", len(rows), countHighlighted(rows))
		}
		if msg.err != nil {
			return m, m.notifyErr(fmt.Sprintf("Inbox: %v", msg.err))
		}
		return m, nil

	case clearNoticeMsg:
		if msg.id == m.notice.id {
			m.notice = notice{}
		}
		return m, nil
	}

	var cmd tea.Cmd
	switch m.view {
	case viewInbox:
		m.inboxList, cmd = m.inboxList.Update(msg)
	case viewDetail:
		m.detail, cmd = m.detail.Update(msg)
	}
	return m, cmd
}

func (m *AppModel) onVerify(msg verifyResultMsg) (tea.Model, tea.Cmd) {
	m.status = ""
	switch {
	case !msg.found && msg.err == nil:
		m.sess.signOut()
		return m, nil
	case errors.Is(msg.err, api.ErrUnauthorized), errors.Is(msg.err, api.ErrUnauthenticated):
		// The client already cleared the store.
		m.sess.signOut()
		return m, m.notifyErr("Session expired. Press l to sign in again.")
	case msg.err != nil && !msg.found:
		m.sess.signOut()
		return m, m.notifyErr(fmt.Sprintf("Could not read stored session: %v", msg.err))
	case msg.err != nil:
		// Backend unreachable: keep the stored session and say so.
		m.sess.signIn(msg.cred)
		return m, m.notifyErr(fmt.Sprintf("Backend unreachable: %v", msg.err))
	}
	m.sess.signIn(msg.cred)
	cmds := []tea.Cmd{m.loadStatsCmd(), m.loadCategoriesCmd()}
	if id, err := m.deps.Store.GetSetting(m.ctx, store.KeyCurrentJobID); err == nil && id != "" {
		m.logger.Info("resuming job from last session", logging.JobID(id))
		m.followJob(model.Job{JobID: id, Status: model.StatusPending})
	}
	return m, tea.Batch(cmds...)
}

// followJob makes j the current job and starts polling it, replacing any
// loop already running.
func (m *AppModel) followJob(j model.Job) {
	m.sess.track(j)
	if err := m.deps.Store.SetSetting(m.ctx, store.KeyCurrentJobID, j.JobID); err != nil {
		m.logger.Warn("remember current job failed", logging.Err(err))
	}
	if m.deps.Poller == nil {
		return
	}
	id := j.JobID
	m.deps.Poller.Start(m.ctx, id, poller.Handlers{
		OnUpdate: func(job model.Job) { m.send(jobUpdateMsg{job: job}) },
		OnDone:   func(job model.Job, err error) { m.send(jobDoneMsg{jobID: id, job: job, err: err}) },
	})
}

func (m *AppModel) forgetJob() {
	if err := m.deps.Store.DeleteSetting(m.ctx, store.KeyCurrentJobID); err != nil {
		m.logger.Warn("forget current job failed", logging.Err(err))
	}
}

func (m *AppModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()

	if key == "ctrl+c" {
		m.Close()
		return m, tea.Quit
	}

	switch m.view {
	case viewInbox:
		if m.inboxList.FilterState() == list.Filtering {
			var cmd tea.Cmd
			m.inboxList, cmd = m.inboxList.Update(msg)
			return m, cmd
		}
		switch key {
		case "q":
			m.Close()
			return m, tea.Quit
		case "esc":
			m.view = viewDashboard
			return m, nil
		case "r":
			m.tracker.Reset()
			m.inboxLoading = true
			return m, tea.Batch(m.loadInboxCmd(), m.spinner.Tick)
		case "enter":
			return m.enterRow()
		}
		var cmd tea.Cmd
		m.inboxList, cmd = m.inboxList.Update(msg)
		return m, cmd

	case viewDetail:
		switch key {
		case "q":
			m.Close()
			return m, tea.Quit
		case "esc":
			m.view = viewInbox
			m.selectedRow = nil
			return m, nil
		case "o":
			if m.selectedRow != nil {
				_ = m.deps.OpenURL("https://mail.google.com/mail/u/0/#inbox/" + m.selectedRow.ID)
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.detail, cmd = m.detail.Update(msg)
		return m, cmd
	}

	switch key {
	case "q":
		m.Close()
		return m, tea.Quit
	case "esc":
		m.notice = notice{id: m.notice.id}
		return m, nil
	}

	switch m.sess.state {
	case stateUnauthenticated:
		if key == "l" {
			if m.deps.Bridge == nil {
				return m, m.notifyErr("Sign-in is not available")
			}
			if m.sess.login != nil && m.deps.Bridge.Running() {
				return m, m.notify("Sign-in already in progress")
			}
			m.status = "Starting sign-in..."
			return m, tea.Batch(m.beginLoginCmd(), m.spinner.Tick)
		}

	case stateAuthenticated:
		switch key {
		case "o":
			return m.logout()
		case "s", "b", "i":
			if m.sess.jobInProgress {
				return m, m.notify("A job is already running")
			}
			scope := map[string]model.Scope{"s": model.ScopeUnread, "b": model.ScopeAll, "i": model.ScopeInbox}[key]
			// Claim the slot now so a second key press cannot start another job.
			m.sess.jobInProgress = true
			return m, m.startJobCmd(m.deps.Mode, scope)
		case "c":
			if !m.sess.jobInProgress || m.sess.currentJobID == "" {
				return m, m.notify("No job to cancel")
			}
			return m, m.cancelJobCmd(m.sess.currentJobID)
		case "r":
			return m, tea.Batch(m.loadStatsCmd(), m.loadCategoriesCmd())
		case "h":
			if m.deps.Inbox == nil {
				return m, m.notifyErr("Inbox highlighting unavailable: no Gmail client secret configured")
			}
			m.view = viewInbox
			m.inboxLoading = true
			return m, tea.Batch(m.loadInboxCmd(), m.spinner.Tick)
		}
	}
	return m, nil
}

func (m *AppModel) logout() (tea.Model, tea.Cmd) {
	if m.deps.Poller != nil {
		m.deps.Poller.Stop()
	}
	if m.deps.Bridge != nil {
		m.deps.Bridge.Stop()
	}
	m.sess.closeLogin()
	if err := m.deps.Store.ClearCredential(m.ctx); err != nil {
		m.logger.Error("clear credential failed", logging.Err(err))
	}
	m.forgetJob()
	m.sess.signOut()
	m.haveStats = false
	m.stats = model.Stats{}
	m.logger.Info("signed out")
	return m, m.notify("Signed out")
}

func (m *AppModel) enterRow() (tea.Model, tea.Cmd) {
	selected := m.inboxList.SelectedItem()
	if selected == nil {
		return m, nil
	}
	r := selected.(rowItem).Row
	m.selectedRow = &r
	m.detail.SetContent(rowDetail(r, m.tracker))
	m.detail.GotoTop()
	m.view = viewDetail
	return m, nil
}

// handleErr turns an operation failure into a notification. Auth failures
// also end the session; the client has already cleared the store for 401s.
func (m *AppModel) handleErr(what string, err error) tea.Cmd {
	m.logger.Warn(strings.ToLower(what), logging.Err(err))
	if api.IsAuthError(err) {
		if m.deps.Poller != nil {
			m.deps.Poller.Stop()
		}
		m.forgetJob()
		m.sess.signOut()
		return m.notifyErr("Session expired. Press l to sign in again.")
	}
	var he *api.HTTPError
	if errors.As(err, &he) && he.Detail != "" {
		return m.notifyErr(fmt.Sprintf("%s: %s", what, he.Detail))
	}
	var ne *api.NetworkError
	if errors.As(err, &ne) {
		return m.notifyErr(what + ": backend unreachable")
	}
	return m.notifyErr(fmt.Sprintf("%s: %v", what, err))
}

func (m *AppModel) notifyJobEnd(j model.Job) tea.Cmd {
	switch j.Status {
	case model.StatusCompleted:
		return m.notify(fmt.Sprintf("Job complete: %d emails sorted", j.ProcessedEmails))
	case model.StatusCancelled:
		return m.notify("Job cancelled")
	default:
		return m.notifyErr(fmt.Sprintf("Job failed after %d of %d emails", j.ProcessedEmails, j.TotalEmails))
	}
}

func (m *AppModel) notify(text string) tea.Cmd { return m.setNotice(text, false) }

func (m *AppModel) notifyErr(text string) tea.Cmd { return m.setNotice(text, true) }

func (m *AppModel) setNotice(text string, isErr bool) tea.Cmd {
	m.noticeSeq++
	m.notice = notice{id: m.noticeSeq, text: text, err: isErr}
	return clearNoticeAfter(m.noticeSeq, m.noticeTTL)
}

func clearNoticeAfter(id int, d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg {
		return clearNoticeMsg{id: id}
	})
}

func (m *AppModel) busy() bool {
	return m.sess.state == stateVerifying || m.status != "" || m.inboxLoading
}

func displayUser(u model.User) string {
	if u.Name != "" {
		return u.Name
	}
	return u.Email
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
