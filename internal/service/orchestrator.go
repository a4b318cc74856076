package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/boddenberg/statement-import-go/internal/domain"
	"github.com/boddenberg/statement-import-go/internal/identifier"
	"github.com/boddenberg/statement-import-go/internal/infra/observability"
	"github.com/boddenberg/statement-import-go/internal/port"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("service/import")

// JobSubmitter hands an import to the background runner and reads the job
// back when the event stream ends early.
type JobSubmitter interface {
	Submit(ctx context.Context, userID string, payload *domain.ImportJobPayload) (*domain.BackgroundJob, error)
	Get(ctx context.Context, userID, jobID string) (*domain.BackgroundJob, error)
}

// ============================================================
// Import flow
// ============================================================

// ImportFlow is one foreground import. All fields are guarded by mu.
type ImportFlow struct {
	mu sync.Mutex

	id     string
	userID string
	state  domain.FlowState
	// gen changes on every reset so long-running steps can detect that
	// their results are stale.
	gen  int
	busy bool

	filename    string
	kind        domain.StatementKind
	accountID   string
	rows        []domain.ParsedRow
	analysis    *domain.DuplicateAnalysis
	jobID       string
	jobProgress int
	summary     *domain.ImportSummary
	errMsg      string
	updatedAt   time.Time
}

func (f *ImportFlow) snapshot() *domain.FlowSnapshot {
	rows := make([]domain.ParsedRow, len(f.rows))
	copy(rows, f.rows)
	return &domain.FlowSnapshot{
		ID:           f.id,
		UserID:       f.userID,
		State:        f.state,
		Filename:     f.filename,
		Kind:         f.kind,
		AccountID:    f.accountID,
		Rows:         rows,
		Analysis:     f.analysis,
		JobID:        f.jobID,
		JobProgress:  f.jobProgress,
		Summary:      f.summary,
		ErrorMessage: f.errMsg,
		UpdatedAt:    f.updatedAt,
	}
}

// expect fails unless the flow is idle in one of the allowed states.
func (f *ImportFlow) expect(op string, allowed ...domain.FlowState) error {
	if f.busy {
		return &domain.ErrInvalidState{Operation: op, State: f.state}
	}
	for _, s := range allowed {
		if f.state == s {
			return nil
		}
	}
	return &domain.ErrInvalidState{Operation: op, State: f.state}
}

func (f *ImportFlow) transition(to domain.FlowState) {
	f.state = to
	f.updatedAt = time.Now().UTC()
}

func (f *ImportFlow) fail(msg string) {
	f.errMsg = msg
	f.transition(domain.FlowFailed)
}

func (f *ImportFlow) reset() {
	f.gen++
	f.busy = false
	f.filename = ""
	f.kind = ""
	f.accountID = ""
	f.rows = nil
	f.analysis = nil
	f.jobID = ""
	f.jobProgress = 0
	f.summary = nil
	f.errMsg = ""
	f.transition(domain.FlowUpload)
}

func (f *ImportFlow) row(rowID string) *domain.ParsedRow {
	for i := range f.rows {
		if f.rows[i].RowID == rowID {
			return &f.rows[i]
		}
	}
	return nil
}

// ============================================================
// Orchestrator
// ============================================================

// Orchestrator drives foreground imports through their states.
type Orchestrator struct {
	flows        port.Cache[*ImportFlow]
	transactions port.TransactionStore
	detector     *Detector
	categorizer  *Categorizer
	policy       *ReviewPolicy
	persister    *Persister
	jobs         JobSubmitter
	watcher      port.JobWatcher
	notifier     port.NotificationSink
	followFor    time.Duration
	metrics      *observability.Metrics
	logger       *zap.Logger
}

// OrchestratorDeps groups the orchestrator's collaborators.
type OrchestratorDeps struct {
	Flows        port.Cache[*ImportFlow]
	Transactions port.TransactionStore
	Detector     *Detector
	Categorizer  *Categorizer
	Policy       *ReviewPolicy
	Persister    *Persister
	Jobs         JobSubmitter
	Watcher      port.JobWatcher
	Notifier     port.NotificationSink
	// FollowFor bounds how long a handed-off job is watched.
	FollowFor time.Duration
	Metrics   *observability.Metrics
	Logger    *zap.Logger
}

// NewOrchestrator creates the orchestrator.
func NewOrchestrator(d OrchestratorDeps) *Orchestrator {
	if d.FollowFor <= 0 {
		d.FollowFor = 30 * time.Minute
	}
	return &Orchestrator{
		flows:        d.Flows,
		transactions: d.Transactions,
		detector:     d.Detector,
		categorizer:  d.Categorizer,
		policy:       d.Policy,
		persister:    d.Persister,
		jobs:         d.Jobs,
		watcher:      d.Watcher,
		notifier:     d.Notifier,
		followFor:    d.FollowFor,
		metrics:      d.Metrics,
		logger:       d.Logger,
	}
}

func (o *Orchestrator) flow(userID, flowID string) (*ImportFlow, error) {
	f, ok := o.flows.Get(flowID)
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "import flow", ID: flowID}
	}
	if f.userID != userID {
		return nil, &domain.ErrForbidden{Action: "access import flow " + flowID}
	}
	return f, nil
}

// Start opens a new flow. With a filename the upload step is done and the
// flow waits for account selection; without one it waits at upload.
func (o *Orchestrator) Start(ctx context.Context, userID, filename string) (*domain.FlowSnapshot, error) {
	_, span := tracer.Start(ctx, "Orchestrator.Start")
	defer span.End()

	if userID == "" {
		return nil, &domain.ErrValidation{Field: "customer_id", Message: "must not be empty"}
	}
	f := &ImportFlow{id: uuid.NewString(), userID: userID}
	f.transition(domain.FlowUpload)
	if filename != "" {
		f.filename = filename
		f.transition(domain.FlowSelection)
	}
	o.flows.Set(f.id, f)

	span.SetAttributes(attribute.String("flow.id", f.id))
	o.logger.Info("import flow started",
		zap.String("customer_id", userID),
		zap.String("flow_id", f.id),
	)
	return f.snapshot(), nil
}

// Upload records the file name and moves to account selection.
func (o *Orchestrator) Upload(ctx context.Context, userID, flowID, filename string) (*domain.FlowSnapshot, error) {
	f, err := o.flow(userID, flowID)
	if err != nil {
		return nil, err
	}
	if filename == "" {
		return nil, &domain.ErrValidation{Field: "filename", Message: "must not be empty"}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.expect("upload", domain.FlowUpload); err != nil {
		return nil, err
	}
	f.filename = filename
	f.transition(domain.FlowSelection)
	return f.snapshot(), nil
}

// SelectAccount fixes the statement kind and the bank account or card.
func (o *Orchestrator) SelectAccount(ctx context.Context, userID, flowID string, kind domain.StatementKind, accountID string) (*domain.FlowSnapshot, error) {
	f, err := o.flow(userID, flowID)
	if err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, &domain.ErrValidation{Field: "statement_kind", Message: "must be checking or credit_card"}
	}
	if accountID == "" {
		return nil, &domain.ErrValidation{Field: "account_id", Message: "must not be empty"}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.expect("select_account", domain.FlowSelection); err != nil {
		return nil, err
	}
	f.kind = kind
	f.accountID = accountID
	f.transition(domain.FlowIdentification)
	return f.snapshot(), nil
}

// Process takes the parsed records, runs duplicate detection against the
// stored rows for the selected account, and stops at duplicate analysis
// when anything was found, or goes straight to categorization otherwise.
func (o *Orchestrator) Process(ctx context.Context, userID, flowID string, records []domain.RawRecord) (*domain.FlowSnapshot, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.Process")
	defer span.End()
	span.SetAttributes(attribute.String("flow.id", flowID), attribute.Int("rows", len(records)))

	f, err := o.flow(userID, flowID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, &domain.ErrValidation{Field: "rows", Message: "must contain at least one row"}
	}

	f.mu.Lock()
	if err := f.expect("process", domain.FlowIdentification); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	rows := make([]domain.ParsedRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, domain.ParsedRow{
			RowID:       uuid.NewString(),
			ExternalID:  rec.ExternalID,
			Date:        rec.Date,
			Amount:      rec.Amount,
			Description: rec.Description,
			Direction:   rec.Direction,
			Selected:    true,
			Status:      domain.StatusNormal,
		})
	}
	f.rows = rows
	f.transition(domain.FlowProcessing)
	gen, kind, accountID := f.gen, f.kind, f.accountID
	f.mu.Unlock()

	start := time.Now()
	existing, err := o.loadForDetection(ctx, userID, kind, accountID)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gen != gen {
		return f.snapshot(), nil
	}
	if err != nil {
		o.logger.Error("duplicate detection failed",
			zap.String("customer_id", userID),
			zap.String("flow_id", flowID),
			zap.Error(err),
		)
		f.fail(fmt.Sprintf("duplicate detection failed: %v", err))
		return nil, err
	}

	analysis := o.detector.Analyze(f.rows, existing)
	o.metrics.RecordAnalysis(analysis)
	o.metrics.RecordStage("detection", time.Since(start))
	f.analysis = analysis

	if analysis.HasRelationships() {
		f.transition(domain.FlowDuplicateAnalysis)
	} else {
		f.rows = analysis.NewTransactions
		f.transition(domain.FlowCategorization)
	}

	o.logger.Info("import rows processed",
		zap.String("customer_id", userID),
		zap.String("flow_id", flowID),
		zap.Int("new", len(analysis.NewTransactions)),
		zap.Int("duplicates", len(analysis.DuplicateTransactions)),
		zap.Int("refund_pairs", len(analysis.RefundedTransactions)),
		zap.Int("unified_pix_pairs", len(analysis.UnifiedPixTransactions)),
	)
	return f.snapshot(), nil
}

// loadForDetection reads the stored rows in one query. The category catalog
// is warmed alongside; a catalog failure only costs the warm-up.
func (o *Orchestrator) loadForDetection(ctx context.Context, userID string, kind domain.StatementKind, accountID string) ([]domain.ExistingTransaction, error) {
	var existing []domain.ExistingTransaction
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		existing, err = o.transactions.ListByAccount(gctx, userID, kind, accountID)
		return err
	})
	g.Go(func() error {
		if _, err := o.categorizer.Catalog(gctx, userID); err != nil {
			o.logger.Warn("catalog warm-up failed", zap.String("customer_id", userID), zap.Error(err))
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return existing, nil
}

// Resolve applies the user's answer to the duplicate analysis. Skip drops
// the upload. Import keeps new rows; overwrite also keeps the duplicates.
// Refund pairs are kept for display but not written; of a unified-PIX pair
// only the PIX debit is written.
func (o *Orchestrator) Resolve(ctx context.Context, userID, flowID string, decision domain.Decision) (*domain.FlowSnapshot, error) {
	f, err := o.flow(userID, flowID)
	if err != nil {
		return nil, err
	}
	if !decision.Valid() {
		return nil, &domain.ErrValidation{Field: "decision", Message: "must be import, skip or overwrite"}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.expect("resolve", domain.FlowDuplicateAnalysis); err != nil {
		return nil, err
	}

	if decision == domain.DecisionSkip {
		f.reset()
		o.logger.Info("import skipped at duplicate analysis", zap.String("flow_id", flowID))
		return f.snapshot(), nil
	}

	keep := make(map[string]domain.ParsedRow, len(f.rows))
	for _, row := range f.analysis.NewTransactions {
		keep[row.RowID] = row
	}
	for _, pair := range f.analysis.RefundedTransactions {
		first, second := pair.First, pair.Second
		first.Selected, second.Selected = false, false
		keep[first.RowID], keep[second.RowID] = first, second
	}
	for _, pair := range f.analysis.UnifiedPixTransactions {
		funds, debit := pair.First, pair.Second
		funds.Selected, debit.Selected = false, true
		keep[funds.RowID], keep[debit.RowID] = funds, debit
	}
	if decision == domain.DecisionOverwrite {
		for _, dup := range f.analysis.DuplicateTransactions {
			row := dup.Row
			row.Selected = true
			keep[row.RowID] = row
		}
	}

	rows := make([]domain.ParsedRow, 0, len(keep))
	for _, row := range f.rows {
		if k, ok := keep[row.RowID]; ok {
			rows = append(rows, k)
		}
	}
	f.rows = rows
	f.transition(domain.FlowCategorization)
	return f.snapshot(), nil
}

// Categorize runs mappings and the classifier over the selected rows and
// moves to review. A classifier failure leaves rows uncategorized; a
// mapping-store failure fails the flow.
func (o *Orchestrator) Categorize(ctx context.Context, userID, flowID string) (*domain.FlowSnapshot, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.Categorize")
	defer span.End()

	f, err := o.flow(userID, flowID)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	if err := f.expect("categorize", domain.FlowCategorization); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	f.busy = true
	gen, kind := f.gen, f.kind
	rows := make([]domain.ParsedRow, len(f.rows))
	copy(rows, f.rows)
	f.mu.Unlock()

	targets := make([]*domain.ParsedRow, 0, len(rows))
	for i := range rows {
		if rows[i].Selected {
			targets = append(targets, &rows[i])
		}
	}
	report, err := o.categorizer.Categorize(ctx, userID, kind, targets, false)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gen != gen {
		return f.snapshot(), nil
	}
	f.busy = false
	if err != nil {
		f.fail(fmt.Sprintf("categorization failed: %v", err))
		return nil, err
	}
	f.rows = rows
	if report.ClassifierError != "" {
		f.errMsg = "automatic categorization unavailable: " + report.ClassifierError
	}
	f.transition(domain.FlowReview)
	return f.snapshot(), nil
}

// UpdateRow applies a review edit. Choosing a category marks the decision
// as the user's own.
func (o *Orchestrator) UpdateRow(ctx context.Context, userID, flowID, rowID string, edit domain.RowEdit) (*domain.FlowSnapshot, error) {
	f, err := o.flow(userID, flowID)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.expect("update_row", domain.FlowReview); err != nil {
		return nil, err
	}
	row := f.row(rowID)
	if row == nil {
		return nil, &domain.ErrNotFound{Resource: "row", ID: rowID}
	}

	if edit.CategoryID != nil || edit.SubcategoryID != nil {
		if edit.CategoryID != nil {
			row.CategoryID = *edit.CategoryID
		}
		if edit.SubcategoryID != nil {
			row.SubcategoryID = *edit.SubcategoryID
		}
		row.Provenance = domain.ProvenanceUser
		row.Confidence = 1
		row.Reasoning = ""
		row.FromMapping = false
		row.NeedsReview = !row.HasCategory()
	}
	if edit.EditedDescription != nil {
		row.EditedDescription = *edit.EditedDescription
		row.StandardizedKey = identifier.Standardize(row.EffectiveDescription())
	}
	if edit.Selected != nil {
		row.Selected = *edit.Selected
	}
	f.updatedAt = time.Now().UTC()
	return f.snapshot(), nil
}

// Commit validates the reviewed rows and persists them. Incomplete
// credit-card rows refuse the whole commit and keep the flow in review.
// Once the loop starts it runs to the end even if the caller goes away.
func (o *Orchestrator) Commit(ctx context.Context, userID, flowID string) (*domain.FlowSnapshot, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.Commit")
	defer span.End()

	f, err := o.flow(userID, flowID)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	if err := f.expect("commit", domain.FlowReview); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	if err := o.policy.Validate(f.kind, f.rows); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	req := &PersistRequest{
		UserID:    f.userID,
		Filename:  f.filename,
		Kind:      f.kind,
		AccountID: f.accountID,
		Rows:      make([]domain.ParsedRow, len(f.rows)),
	}
	copy(req.Rows, f.rows)
	f.busy = true
	f.transition(domain.FlowImport)
	gen := f.gen
	f.mu.Unlock()

	summary, err := o.persister.Persist(context.WithoutCancel(ctx), req, func(done, total int) {
		f.mu.Lock()
		if f.gen == gen && total > 0 {
			f.jobProgress = done * 100 / total
		}
		f.mu.Unlock()
	})

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gen != gen {
		return f.snapshot(), nil
	}
	f.busy = false
	f.summary = summary
	if err != nil {
		f.fail(fmt.Sprintf("import failed: %v", err))
		return nil, err
	}
	f.transition(domain.FlowCompleted)
	return f.snapshot(), nil
}

// HandOff submits the flow's rows as a background job and returns at once.
// The flow follows the job and completes or fails with it.
func (o *Orchestrator) HandOff(ctx context.Context, userID, flowID string) (*domain.FlowSnapshot, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.HandOff")
	defer span.End()

	f, err := o.flow(userID, flowID)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.expect("hand_off", domain.FlowCategorization, domain.FlowReview); err != nil {
		return nil, err
	}

	payload := &domain.ImportJobPayload{
		Filename:  f.filename,
		Kind:      f.kind,
		AccountID: f.accountID,
		Rows:      make([]domain.ParsedRow, len(f.rows)),
	}
	copy(payload.Rows, f.rows)

	job, err := o.jobs.Submit(ctx, userID, payload)
	if err != nil {
		o.logger.Error("background import failed to start",
			zap.String("customer_id", userID),
			zap.String("flow_id", flowID),
			zap.Error(err),
		)
		nerr := o.notifier.Notify(context.WithoutCancel(ctx), &domain.Notification{
			UserID:   userID,
			Title:    "Import failed to start",
			Message:  fmt.Sprintf("%s could not be queued: %v", f.filename, err),
			Severity: domain.SeverityError,
			Data:     map[string]any{"flow_id": flowID},
		})
		if nerr != nil {
			o.logger.Warn("failed to send notification", zap.String("customer_id", userID), zap.Error(nerr))
		}
		f.fail(fmt.Sprintf("background import failed to start: %v", err))
		return nil, err
	}

	f.jobID = job.ID
	f.jobProgress = job.Progress
	f.busy = true
	f.transition(domain.FlowImport)
	span.SetAttributes(attribute.String("job.id", job.ID))

	go o.follow(f, f.gen, job.ID)
	return f.snapshot(), nil
}

// follow mirrors job events onto the flow until the job ends. If the stream
// ends without a terminal event the job is read once more; a job that is
// still not finished then fails the flow.
func (o *Orchestrator) follow(f *ImportFlow, gen int, jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.followFor)
	defer cancel()

	events, err := o.watcher.Watch(ctx, f.userID, jobID)
	if err != nil {
		o.logger.Warn("failed to watch job", zap.String("job_id", jobID), zap.Error(err))
	} else {
		for ev := range events {
			if o.apply(f, gen, ev) {
				return
			}
		}
	}

	readCtx, readCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer readCancel()
	job, err := o.jobs.Get(readCtx, f.userID, jobID)
	if err == nil && job.Status.Terminal() {
		o.apply(f, gen, domain.EventFromJob(job))
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gen != gen || !f.busy {
		return
	}
	o.logger.Warn("lost track of background job",
		zap.String("customer_id", f.userID),
		zap.String("job_id", jobID),
		zap.Error(err),
	)
	f.busy = false
	f.fail(fmt.Sprintf("lost track of job %s", jobID))
}

// apply mirrors one job event onto the flow. It reports true once the flow
// no longer follows the job: the job ended or the flow was reset.
func (o *Orchestrator) apply(f *ImportFlow, gen int, ev domain.JobEvent) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gen != gen {
		return true
	}
	f.jobProgress = ev.Progress
	switch ev.Status {
	case domain.JobCompleted:
		f.busy = false
		f.summary = ev.Result
		f.transition(domain.FlowCompleted)
		return true
	case domain.JobFailed, domain.JobCancelled:
		f.busy = false
		f.summary = ev.Result
		f.fail(ev.ErrorMessage)
		return true
	}
	f.updatedAt = time.Now().UTC()
	return false
}

// Reset clears everything and returns to upload. It is allowed in every
// state; rows already written by a running commit or job stay written.
func (o *Orchestrator) Reset(ctx context.Context, userID, flowID string) (*domain.FlowSnapshot, error) {
	f, err := o.flow(userID, flowID)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.reset()
	return f.snapshot(), nil
}

// Snapshot returns a copy of the flow's current state.
func (o *Orchestrator) Snapshot(ctx context.Context, userID, flowID string) (*domain.FlowSnapshot, error) {
	f, err := o.flow(userID, flowID)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot(), nil
}
