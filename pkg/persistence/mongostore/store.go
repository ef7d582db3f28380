// Package mongostore implements persistence.Store on MongoDB.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"darwin/pkg/logx"
	"darwin/pkg/persistence"
)

// Store is a MongoDB-backed persistence.Store.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *logx.Logger
	now    func() time.Time
}

var _ persistence.Store = (*Store)(nil)

// Open connects to uri, selects database, and ensures indexes exist.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	s := &Store{
		client: client,
		db:     client.Database(database),
		logger: logx.NewLogger("mongostore"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	s.logger.Info("📦 MongoDB store ready: database %s", database)
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		signalsCollection: {
			{Keys: bson.D{{Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "processed", Value: 1}}},
			{Keys: bson.D{{Key: "page", Value: 1}, {Key: "element", Value: 1}}},
		},
		issuesCollection: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "priority_rank", Value: -1}}},
		},
		tasksCollection: {
			{Keys: bson.D{{Key: "status", Value: 1}}},
		},
		changeRequestsCollection: {
			{Keys: bson.D{{Key: "issue_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
	}
	for coll, models := range indexes {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", coll, err)
		}
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from mongodb: %w", err)
	}
	return nil
}

// InsertSignal stores a new signal.
func (s *Store) InsertSignal(ctx context.Context, signal *persistence.Signal) error {
	if err := persistence.PrepareSignal(signal, s.now()); err != nil {
		return err
	}
	if _, err := s.db.Collection(signalsCollection).InsertOne(ctx, toSignalDoc(signal)); err != nil {
		return fmt.Errorf("failed to insert signal %s: %w", signal.ID, err)
	}
	return nil
}

// GetSignal retrieves a signal by ID.
func (s *Store) GetSignal(ctx context.Context, id string) (*persistence.Signal, error) {
	var doc signalDoc
	if err := s.findByID(ctx, signalsCollection, "signal", id, &doc); err != nil {
		return nil, err
	}
	return doc.model(), nil
}

// ListSignals returns signals matching filter.
func (s *Store) ListSignals(ctx context.Context, filter *persistence.SignalFilter) ([]*persistence.Signal, error) {
	if filter == nil {
		filter = &persistence.SignalFilter{}
	}
	q := bson.D{}
	if filter.Status != nil {
		q = append(q, bson.E{Key: "status", Value: string(*filter.Status)})
	}
	if filter.Severity != nil {
		q = append(q, bson.E{Key: "severity", Value: string(*filter.Severity)})
	}
	if filter.Type != nil {
		q = append(q, bson.E{Key: "type", Value: string(*filter.Type)})
	}
	if filter.Page != nil {
		q = append(q, bson.E{Key: "page", Value: *filter.Page})
	}
	if filter.Element != nil {
		if *filter.Element == "" {
			// omitempty drops the field, null matches a missing field
			q = append(q, bson.E{Key: "element", Value: bson.D{{Key: "$in", Value: bson.A{nil, ""}}}})
		} else {
			q = append(q, bson.E{Key: "element", Value: *filter.Element})
		}
	}
	if filter.Processed != nil {
		q = append(q, bson.E{Key: "processed", Value: *filter.Processed})
	}

	var docs []signalDoc
	if err := s.find(ctx, signalsCollection, q, listOptions(filter.Triage, "severity_rank", filter.Limit), &docs); err != nil {
		return nil, err
	}
	out := make([]*persistence.Signal, len(docs))
	for i := range docs {
		out[i] = docs[i].model()
	}
	return out, nil
}

// TransitionSignal applies req atomically and returns the status the signal held before.
func (s *Store) TransitionSignal(ctx context.Context, req *persistence.SignalTransition) (persistence.SignalStatus, error) {
	set := bson.D{{Key: "status", Value: string(req.To)}, {Key: "updated_at", Value: s.now()}}
	if req.MarkProcessed {
		set = append(set, bson.E{Key: "processed", Value: true})
	}
	if req.IssueID != "" {
		set = append(set, bson.E{Key: "ux_issue_id", Value: req.IssueID})
	}

	var before signalDoc
	err := s.transition(ctx, signalsCollection, "signal", req.ID, statusSet(req.From), set, &before)
	if err != nil && !errors.Is(err, persistence.ErrStatusConflict) {
		return "", err
	}
	return persistence.SignalStatus(before.Status), err
}

// InsertIssue stores a new issue.
func (s *Store) InsertIssue(ctx context.Context, issue *persistence.Issue) error {
	if err := persistence.PrepareIssue(issue, s.now()); err != nil {
		return err
	}
	if _, err := s.db.Collection(issuesCollection).InsertOne(ctx, toIssueDoc(issue)); err != nil {
		return fmt.Errorf("failed to insert issue %s: %w", issue.ID, err)
	}
	return nil
}

// GetIssue retrieves an issue by ID.
func (s *Store) GetIssue(ctx context.Context, id string) (*persistence.Issue, error) {
	var doc issueDoc
	if err := s.findByID(ctx, issuesCollection, "issue", id, &doc); err != nil {
		return nil, err
	}
	return doc.model(), nil
}

// ListIssues returns issues matching filter.
func (s *Store) ListIssues(ctx context.Context, filter *persistence.IssueFilter) ([]*persistence.Issue, error) {
	if filter == nil {
		filter = &persistence.IssueFilter{}
	}
	q := bson.D{}
	if filter.Status != nil {
		q = append(q, bson.E{Key: "status", Value: string(*filter.Status)})
	}
	if len(filter.Statuses) > 0 {
		q = append(q, bson.E{Key: "status", Value: bson.D{{Key: "$in", Value: statusSet(filter.Statuses)}}})
	}
	if filter.Priority != nil {
		q = append(q, bson.E{Key: "priority", Value: string(*filter.Priority)})
	}
	if filter.SignalID != nil {
		q = append(q, bson.E{Key: "signal_id", Value: *filter.SignalID})
	}

	var docs []issueDoc
	if err := s.find(ctx, issuesCollection, q, listOptions(filter.Triage, "priority_rank", filter.Limit), &docs); err != nil {
		return nil, err
	}
	out := make([]*persistence.Issue, len(docs))
	for i := range docs {
		out[i] = docs[i].model()
	}
	return out, nil
}

// TransitionIssue applies req atomically and returns the status the issue held before.
func (s *Store) TransitionIssue(ctx context.Context, req *persistence.IssueTransition) (persistence.IssueStatus, error) {
	set := bson.D{{Key: "status", Value: string(req.To)}, {Key: "updated_at", Value: s.now()}}
	if req.ApprovedAt != nil {
		set = append(set, bson.E{Key: "approved_at", Value: req.ApprovedAt.UTC()})
	}
	if req.RejectedAt != nil {
		set = append(set, bson.E{Key: "rejected_at", Value: req.RejectedAt.UTC()})
	}
	if req.RejectionReason != nil {
		set = append(set, bson.E{Key: "rejection_reason", Value: *req.RejectionReason})
	}
	if req.TaskID != nil {
		set = append(set, bson.E{Key: "task_id", Value: *req.TaskID})
	}
	if req.PRURL != nil {
		set = append(set, bson.E{Key: "pr_url", Value: *req.PRURL})
	}

	var before issueDoc
	err := s.transition(ctx, issuesCollection, "issue", req.ID, statusSet(req.From), set, &before)
	if err != nil && !errors.Is(err, persistence.ErrStatusConflict) {
		return "", err
	}
	return persistence.IssueStatus(before.Status), err
}

// InsertTask stores a new task.
func (s *Store) InsertTask(ctx context.Context, task *persistence.Task) error {
	if err := persistence.PrepareTask(task, s.now()); err != nil {
		return err
	}
	if _, err := s.db.Collection(tasksCollection).InsertOne(ctx, toTaskDoc(task)); err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*persistence.Task, error) {
	var doc taskDoc
	if err := s.findByID(ctx, tasksCollection, "task", id, &doc); err != nil {
		return nil, err
	}
	return doc.model(), nil
}

// ListTasks returns tasks matching filter.
func (s *Store) ListTasks(ctx context.Context, filter *persistence.TaskFilter) ([]*persistence.Task, error) {
	if filter == nil {
		filter = &persistence.TaskFilter{}
	}
	q := bson.D{}
	if filter.Status != nil {
		q = append(q, bson.E{Key: "status", Value: string(*filter.Status)})
	}
	if filter.IssueID != nil {
		q = append(q, bson.E{Key: "ux_issue_id", Value: *filter.IssueID})
	}

	var docs []taskDoc
	if err := s.find(ctx, tasksCollection, q, listOptions(filter.Triage, "priority_rank", filter.Limit), &docs); err != nil {
		return nil, err
	}
	out := make([]*persistence.Task, len(docs))
	for i := range docs {
		out[i] = docs[i].model()
	}
	return out, nil
}

// TransitionTask applies req atomically and returns the status the task held before.
func (s *Store) TransitionTask(ctx context.Context, req *persistence.TaskTransition) (persistence.TaskStatus, error) {
	set := bson.D{{Key: "status", Value: string(req.To)}, {Key: "updated_at", Value: s.now()}}
	if req.PRURL != nil {
		set = append(set, bson.E{Key: "pr_url", Value: *req.PRURL})
	}
	if req.PRNumber != nil {
		set = append(set, bson.E{Key: "pr_number", Value: *req.PRNumber})
	}
	if req.BranchName != nil {
		set = append(set, bson.E{Key: "branch_name", Value: *req.BranchName})
	}
	if req.CompletedAt != nil {
		set = append(set, bson.E{Key: "completed_at", Value: req.CompletedAt.UTC()})
	}

	var before taskDoc
	err := s.transition(ctx, tasksCollection, "task", req.ID, statusSet(req.From), set, &before)
	if err != nil && !errors.Is(err, persistence.ErrStatusConflict) {
		return "", err
	}
	return persistence.TaskStatus(before.Status), err
}

// InsertChangeRequest stores a published pull request. An issue has at most one.
func (s *Store) InsertChangeRequest(ctx context.Context, cr *persistence.ChangeRequest) error {
	if err := persistence.PrepareChangeRequest(cr, s.now()); err != nil {
		return err
	}
	if _, err := s.db.Collection(changeRequestsCollection).InsertOne(ctx, toChangeRequestDoc(cr)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("change request for issue %s: %w", cr.IssueID, persistence.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert change request %s: %w", cr.ID, err)
	}
	return nil
}

// ListChangeRequests returns change requests matching filter, newest first.
func (s *Store) ListChangeRequests(ctx context.Context, filter *persistence.ChangeRequestFilter) ([]*persistence.ChangeRequest, error) {
	if filter == nil {
		filter = &persistence.ChangeRequestFilter{}
	}
	q := bson.D{}
	if filter.Status != nil {
		q = append(q, bson.E{Key: "status", Value: string(*filter.Status)})
	}
	if filter.IssueID != nil {
		q = append(q, bson.E{Key: "issue_id", Value: *filter.IssueID})
	}

	var docs []changeRequestDoc
	if err := s.find(ctx, changeRequestsCollection, q, listOptions(false, "", filter.Limit), &docs); err != nil {
		return nil, err
	}
	out := make([]*persistence.ChangeRequest, len(docs))
	for i := range docs {
		out[i] = docs[i].model()
	}
	return out, nil
}

// InsertAgentLog appends one activity entry.
func (s *Store) InsertAgentLog(ctx context.Context, entry *persistence.AgentLog) error {
	if err := persistence.PrepareAgentLog(entry, s.now()); err != nil {
		return err
	}
	doc := agentLogDoc{
		ID: entry.ID, Agent: entry.Agent, Level: entry.Level, Message: entry.Message,
		RecordID: entry.RecordID, CreatedAt: entry.CreatedAt,
	}
	if _, err := s.db.Collection(agentLogsCollection).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to insert agent log: %w", err)
	}
	return nil
}

// ListAgentLogs returns the most recent entries first.
func (s *Store) ListAgentLogs(ctx context.Context, limit int) ([]*persistence.AgentLog, error) {
	var docs []agentLogDoc
	if err := s.find(ctx, agentLogsCollection, bson.D{}, listOptions(false, "", limit), &docs); err != nil {
		return nil, err
	}
	out := make([]*persistence.AgentLog, len(docs))
	for i, d := range docs {
		out[i] = &persistence.AgentLog{
			ID: d.ID, Agent: d.Agent, Level: d.Level, Message: d.Message,
			RecordID: d.RecordID, CreatedAt: d.CreatedAt.UTC(),
		}
	}
	return out, nil
}

// Stats aggregates record counts for dashboards.
func (s *Store) Stats(ctx context.Context) (*persistence.Stats, error) {
	st := persistence.NewStats()

	totals := map[string]string{
		"signals":       signalsCollection,
		"ux_issues":     issuesCollection,
		"tasks":         tasksCollection,
		"pull_requests": changeRequestsCollection,
		"agent_logs":    agentLogsCollection,
	}
	for key, coll := range totals {
		n, err := s.db.Collection(coll).CountDocuments(ctx, bson.D{})
		if err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", coll, err)
		}
		st.Totals[key] = int(n)
	}

	groups := []struct {
		coll  string
		field string
		into  map[string]int
	}{
		{signalsCollection, "severity", st.SignalsBySeverity},
		{signalsCollection, "type", st.SignalsByType},
		{issuesCollection, "status", st.IssuesByStatus},
		{changeRequestsCollection, "status", st.ChangeRequestsByStatus},
	}
	for _, g := range groups {
		if err := s.groupCounts(ctx, g.coll, g.field, g.into); err != nil {
			return nil, err
		}
	}

	pending := []struct {
		coll   string
		filter bson.D
		into   *int
	}{
		{signalsCollection, bson.D{{Key: "processed", Value: false}}, &st.Pending.UnprocessedSignals},
		{issuesCollection, bson.D{{Key: "status", Value: string(persistence.IssueStatusDiagnosed)}}, &st.Pending.IssuesPendingReview},
		{issuesCollection, bson.D{
			{Key: "status", Value: string(persistence.IssueStatusApproved)},
			{Key: "pr_url", Value: bson.D{{Key: "$in", Value: bson.A{nil, ""}}}},
		}, &st.Pending.IssuesApprovedNoPR},
		{tasksCollection, bson.D{{Key: "status", Value: string(persistence.TaskStatusPending)}}, &st.Pending.TasksPending},
	}
	for _, p := range pending {
		n, err := s.db.Collection(p.coll).CountDocuments(ctx, p.filter)
		if err != nil {
			return nil, fmt.Errorf("failed to count pending actions: %w", err)
		}
		*p.into = int(n)
	}
	return st, nil
}

func (s *Store) groupCounts(ctx context.Context, coll, field string, into map[string]int) error {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$" + field},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}
	cursor, err := s.db.Collection(coll).Aggregate(ctx, pipeline)
	if err != nil {
		return fmt.Errorf("failed to aggregate %s by %s: %w", coll, field, err)
	}
	var rows []struct {
		Key   string `bson:"_id"`
		Count int    `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return fmt.Errorf("failed to decode %s aggregation: %w", coll, err)
	}
	for _, r := range rows {
		into[r.Key] = r.Count
	}
	return nil
}

func (s *Store) findByID(ctx context.Context, coll, kind, id string, out any) error {
	err := s.db.Collection(coll).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return persistence.NotFound(kind, id)
	}
	if err != nil {
		return fmt.Errorf("failed to get %s %s: %w", kind, id, err)
	}
	return nil
}

func (s *Store) find(ctx context.Context, coll string, filter bson.D, opts *options.FindOptions, out any) error {
	cursor, err := s.db.Collection(coll).Find(ctx, filter, opts)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", coll, err)
	}
	if err := cursor.All(ctx, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", coll, err)
	}
	return nil
}

// transition updates the document only while its status is in from, returning the document as it was
// before the update. On conflict, before holds the current document and the error wraps ErrStatusConflict.
func (s *Store) transition(ctx context.Context, coll, kind, id string, from []string, set bson.D, before any) error {
	filter := bson.D{{Key: "_id", Value: id}}
	if len(from) > 0 {
		filter = append(filter, bson.E{Key: "status", Value: bson.D{{Key: "$in", Value: from}}})
	}

	err := s.db.Collection(coll).FindOneAndUpdate(ctx, filter, bson.D{{Key: "$set", Value: set}},
		options.FindOneAndUpdate().SetReturnDocument(options.Before)).Decode(before)
	if err == nil {
		return nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("failed to update %s %s: %w", kind, id, err)
	}

	if err := s.findByID(ctx, coll, kind, id, before); err != nil {
		return err
	}
	return fmt.Errorf("%s %s status outside %v: %w", kind, id, from, persistence.ErrStatusConflict)
}

func listOptions(triage bool, rankField string, limit int) *options.FindOptions {
	opts := options.Find()
	if triage && rankField != "" {
		opts.SetSort(bson.D{{Key: rankField, Value: -1}, {Key: "created_at", Value: 1}})
	} else {
		opts.SetSort(bson.D{{Key: "created_at", Value: -1}})
	}
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return opts
}

func statusSet[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}
