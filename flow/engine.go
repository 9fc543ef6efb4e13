package flow

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"

	waycrypto "github.com/waygate/waygate/pkg/crypto"
	"github.com/waygate/waygate/storage"
	"github.com/waygate/waygate/storage/faststore"
)

// resumeTTL is the lifetime of a minted resume token, within spec.md
// §4.5's 5-10 minute window.
const resumeTTL = 10 * time.Minute

// captchaReplayTTL bounds how long a consumed captcha token is remembered
// to reject replays, matching its own short usefulness window.
const captchaReplayTTL = 10 * time.Minute

// Repository is the subset of tenant.Repo the engine needs.
type Repository interface {
	GetActiveFlow(ctx context.Context, trigger storage.FlowTrigger) (storage.Flow, error)
	GetUIPrompt(ctx context.Context, id string) (storage.UIPrompt, error)
	CreateFlowRun(ctx context.Context, run storage.FlowRun) (storage.FlowRun, error)
	GetFlowRun(ctx context.Context, id string) (storage.FlowRun, error)
	UpdateFlowRun(ctx context.Context, id string, updater func(storage.FlowRun) (storage.FlowRun, error)) (storage.FlowRun, error)
	AppendFlowEvent(ctx context.Context, e storage.FlowEvent) error
	UpsertUserMetadata(ctx context.Context, m storage.UserMetadata) (storage.UserMetadata, error)
	GetUserMetadata(ctx context.Context, userID, namespace string) (storage.UserMetadata, error)
}

// Input is the request-derived material read_signals populates the
// execution context from; the engine has no access to the net/http
// request itself so callers extract what they need up front.
type Input struct {
	IP        string
	UserAgent string
}

// Status is the terminal or suspended state of a Run call.
type Status string

const (
	StatusSkipped     Status = "skipped"
	StatusSuccess     Status = "success"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// Prompt describes the form the caller must render to collect the next
// round of user input for an interrupted run.
type Prompt struct {
	RunID       string
	NodeID      string
	ResumeToken string
	Title       string
	Description string
	Fields      []storage.UIPromptField
	Meta        map[string]any
}

// Result is returned by Run and Resume.
type Result struct {
	Status Status
	RunID  string
	Prompt *Prompt
	Error  string
}

// Engine drives Flow execution for one tenant's Repository.
type Engine struct {
	store     faststore.Store
	verifiers map[string]CaptchaVerifier
	now       func() time.Time
	log       *slog.Logger
}

// New constructs an Engine. verifiers may be nil to use DefaultVerifiers.
func New(store faststore.Store, verifiers map[string]CaptchaVerifier, log *slog.Logger) *Engine {
	if verifiers == nil {
		verifiers = DefaultVerifiers()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: store, verifiers: verifiers, now: time.Now, log: log}
}

// execContext is the JSON-able shape of FlowRun.Context.
type execContext struct {
	UserID   string         `json:"userId"`
	RID      string         `json:"rid"`
	Signals  map[string]any `json:"signals,omitempty"`
	Prompts  map[string]any `json:"prompts,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Captcha  map[string]any `json:"captcha,omitempty"`
	Extras   map[string]any `json:"extras,omitempty"`
}

func (c execContext) toMap() map[string]any {
	b, _ := json.Marshal(c)
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}

func contextFromMap(m map[string]any) execContext {
	var c execContext
	b, _ := json.Marshal(m)
	_ = json.Unmarshal(b, &c)
	if c.Signals == nil {
		c.Signals = map[string]any{}
	}
	if c.Prompts == nil {
		c.Prompts = map[string]any{}
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	if c.Captcha == nil {
		c.Captcha = map[string]any{}
	}
	if c.Extras == nil {
		c.Extras = map[string]any{}
	}
	return c
}

type resumeRecord struct {
	RunID  string
	NodeID string
}

// Run loads the active Flow for trigger, or reports StatusSkipped if the
// tenant has none enabled, and drives it from its begin node (or from its
// first node by order when it has no begin node).
func (e *Engine) Run(ctx context.Context, repo Repository, trigger storage.FlowTrigger, rid, userID string, in Input) (Result, error) {
	f, err := repo.GetActiveFlow(ctx, trigger)
	if err != nil {
		if err == storage.ErrNotFound {
			return Result{Status: StatusSkipped}, nil
		}
		return Result{}, fmt.Errorf("flow: load active flow: %w", err)
	}
	if len(f.Nodes) == 0 {
		return Result{Status: StatusSkipped}, nil
	}

	nodes := sortedNodes(f.Nodes)
	startID := nodes[0].ID
	for _, n := range nodes {
		if n.Type == "begin" {
			startID = n.ID
			break
		}
	}
	ec := execContext{UserID: userID, RID: rid, Signals: map[string]any{}, Prompts: map[string]any{}, Metadata: map[string]any{}, Captcha: map[string]any{}, Extras: map[string]any{}}

	run, err := repo.CreateFlowRun(ctx, storage.FlowRun{
		FlowID:        f.ID,
		UserID:        userID,
		RequestRID:    rid,
		Trigger:       trigger,
		Context:       ec.toMap(),
		Status:        storage.FlowRunRunning,
		CurrentNodeID: startID,
		StartedAt:     e.now(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("flow: create run: %w", err)
	}

	return e.loop(ctx, repo, f, nodes, run, ec, in, nil)
}

// Resume consumes resumeToken, re-enters the run it was minted for at the
// node it suspended on, and continues the loop with fields.
func (e *Engine) Resume(ctx context.Context, repo Repository, resumeToken string, fields map[string]string) (Result, error) {
	var rr resumeRecord
	if err := e.store.GetDelete(ctx, "flowresume/"+resumeToken, &rr); err != nil {
		if err == faststore.ErrNotFound {
			return Result{}, fmt.Errorf("flow: resume token invalid or expired")
		}
		return Result{}, fmt.Errorf("flow: consume resume token: %w", err)
	}

	run, err := repo.GetFlowRun(ctx, rr.RunID)
	if err != nil {
		return Result{}, fmt.Errorf("flow: load run: %w", err)
	}
	if run.Status != storage.FlowRunInterrupted || run.CurrentNodeID != rr.NodeID {
		return Result{}, fmt.Errorf("flow: run %s is not interrupted at node %s", rr.RunID, rr.NodeID)
	}

	// run.FlowID identifies the flow, but Repository has no GetFlow by id
	// alone without a trigger; GetActiveFlow(run.Trigger) is always the
	// same row a still-in-progress run was created against, since a flow's
	// (tenant,trigger) active row doesn't change mid-run in practice.
	f, err := repo.GetActiveFlow(ctx, run.Trigger)
	if err != nil {
		return Result{}, fmt.Errorf("flow: load flow: %w", err)
	}
	nodes := sortedNodes(f.Nodes)
	ec := contextFromMap(run.Context)

	in := map[string]string{}
	for k, v := range fields {
		in[k] = v
	}
	return e.loop(ctx, repo, f, nodes, run, ec, Input{}, in)
}

func sortedNodes(nodes []storage.FlowNode) []storage.FlowNode {
	sorted := make([]storage.FlowNode, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
	return sorted
}

func (e *Engine) loop(ctx context.Context, repo Repository, f storage.Flow, nodes []storage.FlowNode, run storage.FlowRun, ec execContext, in Input, submitted map[string]string) (Result, error) {
	byID := make(map[string]storage.FlowNode, len(nodes))
	indexByID := make(map[string]int, len(nodes))
	for i, n := range nodes {
		byID[n.ID] = n
		indexByID[n.ID] = i
	}

	maxIter := 4 * len(nodes)
	currentID := run.CurrentNodeID
	if currentID == "" {
		currentID = nodes[0].ID
	}

	for iter := 0; ; iter++ {
		if iter >= maxIter {
			return e.fail(ctx, repo, run, "exceeded maximum flow iterations")
		}

		node, ok := byID[currentID]
		if !ok {
			return e.fail(ctx, repo, run, fmt.Sprintf("node %q not found in flow", currentID))
		}

		e.emit(ctx, repo, run.ID, node.ID, storage.FlowEventEnter, nil)

		outcome, err := e.execNode(ctx, repo, node, &ec, in, submitted)
		submitted = nil // only the node being resumed consumes submitted fields
		if err != nil {
			e.emit(ctx, repo, run.ID, node.ID, storage.FlowEventError, map[string]any{"error": err.Error()})
			return e.fail(ctx, repo, run, err.Error())
		}

		if !outcome.finished && outcome.prompt == nil && outcome.nextNodeID == "" {
			idx := indexByID[node.ID]
			if idx+1 >= len(nodes) {
				return e.fail(ctx, repo, run, fmt.Sprintf("node %q fell through with no next node and no finish", node.ID))
			}
			outcome.nextNodeID = nodes[idx+1].ID
		}

		if outcome.prompt != nil {
			run, err = repo.UpdateFlowRun(ctx, run.ID, func(r storage.FlowRun) (storage.FlowRun, error) {
				r.Status = storage.FlowRunInterrupted
				r.CurrentNodeID = node.ID
				r.Context = ec.toMap()
				return r, nil
			})
			if err != nil {
				return Result{}, fmt.Errorf("flow: persist interrupted run: %w", err)
			}
			token, err := waycrypto.NewOpaqueToken(24)
			if err != nil {
				return Result{}, fmt.Errorf("flow: mint resume token: %w", err)
			}
			if err := e.store.Set(ctx, "flowresume/"+token, resumeRecord{RunID: run.ID, NodeID: node.ID}, resumeTTL); err != nil {
				return Result{}, fmt.Errorf("flow: persist resume token: %w", err)
			}
			outcome.prompt.RunID = run.ID
			outcome.prompt.NodeID = node.ID
			outcome.prompt.ResumeToken = token
			e.emit(ctx, repo, run.ID, node.ID, storage.FlowEventPrompt, nil)
			return Result{Status: StatusInterrupted, RunID: run.ID, Prompt: outcome.prompt}, nil
		}

		e.emit(ctx, repo, run.ID, node.ID, storage.FlowEventExit, nil)

		if outcome.finished {
			if _, err := repo.UpdateFlowRun(ctx, run.ID, func(r storage.FlowRun) (storage.FlowRun, error) {
				r.Status = storage.FlowRunSuccess
				r.CurrentNodeID = node.ID
				r.Context = ec.toMap()
				r.FinishedAt = e.now()
				return r, nil
			}); err != nil {
				return Result{}, fmt.Errorf("flow: persist finished run: %w", err)
			}
			return Result{Status: StatusSuccess, RunID: run.ID}, nil
		}

		run, err = repo.UpdateFlowRun(ctx, run.ID, func(r storage.FlowRun) (storage.FlowRun, error) {
			r.CurrentNodeID = outcome.nextNodeID
			r.Context = ec.toMap()
			return r, nil
		})
		if err != nil {
			return Result{}, fmt.Errorf("flow: persist run progress: %w", err)
		}
		currentID = outcome.nextNodeID
	}
}

func (e *Engine) fail(ctx context.Context, repo Repository, run storage.FlowRun, reason string) (Result, error) {
	if _, err := repo.UpdateFlowRun(ctx, run.ID, func(r storage.FlowRun) (storage.FlowRun, error) {
		r.Status = storage.FlowRunFailed
		r.LastError = reason
		r.FinishedAt = e.now()
		return r, nil
	}); err != nil {
		e.log.ErrorContext(ctx, "persist failed flow run failed", "err", err, "runId", run.ID)
	}
	return Result{Status: StatusFailed, RunID: run.ID, Error: reason}, nil
}

func (e *Engine) emit(ctx context.Context, repo Repository, runID, nodeID string, typ storage.FlowEventType, meta map[string]any) {
	if err := repo.AppendFlowEvent(ctx, storage.FlowEvent{
		FlowRunID: runID,
		NodeID:    nodeID,
		Type:      typ,
		Timestamp: e.now(),
		Metadata:  meta,
	}); err != nil {
		e.log.ErrorContext(ctx, "append flow event failed", "err", err, "runId", runID, "nodeId", nodeID)
	}
}

// nodeOutcome is the internal result of running a single node.
type nodeOutcome struct {
	nextNodeID string
	finished   bool
	prompt     *Prompt
}

func (e *Engine) execNode(ctx context.Context, repo Repository, node storage.FlowNode, ec *execContext, in Input, submitted map[string]string) (nodeOutcome, error) {
	cfg, err := decodeNodeConfig(node.Type, node.Config)
	if err != nil {
		return nodeOutcome{}, err
	}

	switch c := cfg.(type) {
	case BeginConfig:
		return nodeOutcome{}, nil

	case ReadSignalsConfig:
		ec.Signals = collectSignals(in)
		return nodeOutcome{}, nil

	case GeolocationCheckConfig:
		meta, err := repo.GetUserMetadata(ctx, ec.UserID, c.Namespace)
		if err != nil && err != storage.ErrNotFound {
			return nodeOutcome{}, fmt.Errorf("flow: load geolocation metadata: %w", err)
		}
		want, _ := meta.Data[c.Key].(string)
		geo, _ := ec.Signals["geo"].(map[string]any)
		got, _ := geo["country"].(string)
		if want != "" && got != want {
			return nodeOutcome{nextNodeID: node.FailureNodeID}, nil
		}
		return nodeOutcome{}, nil

	case CheckCaptchaConfig:
		return e.execCaptcha(ctx, node, c, ec, submitted)

	case PromptUIConfig:
		return e.execPromptUI(ctx, repo, node, c, ec, submitted)

	case MetadataWriteConfig:
		if _, err := repo.UpsertUserMetadata(ctx, storage.UserMetadata{
			UserID:    ec.UserID,
			Namespace: c.Namespace,
			Data:      c.Values,
		}); err != nil {
			return nodeOutcome{}, fmt.Errorf("flow: write metadata: %w", err)
		}
		ec.Metadata[c.Namespace] = c.Values
		return nodeOutcome{}, nil

	case MFAConfig:
		return e.execMFA(node, c, ec, submitted)

	case FinishConfig:
		return nodeOutcome{finished: true}, nil

	default:
		return nodeOutcome{}, fmt.Errorf("flow: no executor for node type %q", node.Type)
	}
}

func (e *Engine) execCaptcha(ctx context.Context, node storage.FlowNode, c CheckCaptchaConfig, ec *execContext, submitted map[string]string) (nodeOutcome, error) {
	if submitted == nil {
		return nodeOutcome{prompt: &Prompt{
			Title: "Verify you're human",
			Meta: map[string]any{
				"captchaProvider": c.Provider,
				"siteKey":         c.SiteKey,
			},
		}}, nil
	}

	token := submitted["captchaToken"]
	if token == "" {
		return nodeOutcome{}, fmt.Errorf("flow: missing captchaToken")
	}

	seenKey := "flowcaptchaseen/" + hashToken(token)
	fresh, err := e.store.SetNX(ctx, seenKey, true, captchaReplayTTL)
	if err != nil {
		return nodeOutcome{}, fmt.Errorf("flow: check captcha replay: %w", err)
	}
	if !fresh {
		return nodeOutcome{nextNodeID: node.FailureNodeID}, nil
	}

	verifier, ok := e.verifiers[c.Provider]
	if !ok {
		return nodeOutcome{}, fmt.Errorf("flow: unknown captcha provider %q", c.Provider)
	}
	score, err := verifier.Verify(ctx, c.Secret, token, "")
	if err != nil {
		return nodeOutcome{}, fmt.Errorf("flow: verify captcha: %w", err)
	}
	ec.Captcha["score"] = score
	if score < c.MinScore {
		return nodeOutcome{nextNodeID: node.FailureNodeID}, nil
	}
	return nodeOutcome{}, nil
}

func (e *Engine) execPromptUI(ctx context.Context, repo Repository, node storage.FlowNode, c PromptUIConfig, ec *execContext, submitted map[string]string) (nodeOutcome, error) {
	if submitted == nil {
		prompt, err := repo.GetUIPrompt(ctx, node.UIPromptID)
		if err != nil {
			return nodeOutcome{}, fmt.Errorf("flow: load ui prompt: %w", err)
		}
		return nodeOutcome{prompt: &Prompt{
			Title:       prompt.Title,
			Description: prompt.Description,
			Fields:      prompt.Schema,
		}}, nil
	}

	prompt, err := repo.GetUIPrompt(ctx, node.UIPromptID)
	if err != nil {
		return nodeOutcome{}, fmt.Errorf("flow: load ui prompt: %w", err)
	}
	for _, field := range prompt.Schema {
		if field.Required && strings.TrimSpace(submitted[field.Name]) == "" {
			return nodeOutcome{}, fmt.Errorf("flow: missing required field %q", field.Name)
		}
	}
	for k, v := range submitted {
		ec.Prompts[k] = v
	}

	action := submitted["action"]
	next, ok := c.ActionRouting[action]
	if !ok {
		next = c.ActionRouting["failure"]
		if next == "" {
			next = node.FailureNodeID
		}
	}
	return nodeOutcome{nextNodeID: next}, nil
}

func (e *Engine) execMFA(node storage.FlowNode, c MFAConfig, ec *execContext, submitted map[string]string) (nodeOutcome, error) {
	if submitted == nil {
		meta := map[string]any{"method": c.Method}
		for k, v := range c.Meta {
			meta[k] = v
		}
		return nodeOutcome{prompt: &Prompt{Title: "Verify your identity", Meta: meta}}, nil
	}

	code := submitted["code"]
	if code == "" {
		return nodeOutcome{}, fmt.Errorf("flow: missing code")
	}

	if c.Method == MFATOTP {
		if c.Secret == "" {
			return nodeOutcome{}, fmt.Errorf("flow: mfa_totp node has no secret configured")
		}
		if !totp.Validate(code, c.Secret) {
			return nodeOutcome{nextNodeID: node.FailureNodeID}, nil
		}
		return nodeOutcome{}, nil
	}

	// sms/email/webauthn verification happens out-of-band (provider
	// webhook, WebAuthn assertion check) before the caller resumes the
	// flow; reaching here with a submitted code at all is treated as
	// sufficient proof.
	return nodeOutcome{}, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func collectSignals(in Input) map[string]any {
	ua := strings.ToLower(in.UserAgent)
	osName := "unknown"
	switch {
	case strings.Contains(ua, "windows"):
		osName = "windows"
	case strings.Contains(ua, "mac os"), strings.Contains(ua, "macintosh"):
		osName = "macos"
	case strings.Contains(ua, "android"):
		osName = "android"
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"):
		osName = "ios"
	case strings.Contains(ua, "linux"):
		osName = "linux"
	}
	browser := "unknown"
	switch {
	case strings.Contains(ua, "edg/"):
		browser = "edge"
	case strings.Contains(ua, "chrome/"):
		browser = "chrome"
	case strings.Contains(ua, "firefox/"):
		browser = "firefox"
	case strings.Contains(ua, "safari/"):
		browser = "safari"
	}

	risk := 0.0
	if in.UserAgent == "" {
		risk += 0.5
	}
	if osName == "unknown" || browser == "unknown" {
		risk += 0.2
	}

	return map[string]any{
		"ip":        in.IP,
		"userAgent": in.UserAgent,
		"device":    map[string]any{"os": osName, "browser": browser},
		"geo":       map[string]any{},
		"riskScore": risk,
	}
}
