package flow

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/waygate/waygate/storage"
	"github.com/waygate/waygate/storage/faststore"
)

type fakeRepo struct {
	flows    map[storage.FlowTrigger]storage.Flow
	prompts  map[string]storage.UIPrompt
	runs     map[string]storage.FlowRun
	events   []storage.FlowEvent
	metadata map[string]storage.UserMetadata
	nextID   int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		flows:    map[storage.FlowTrigger]storage.Flow{},
		prompts:  map[string]storage.UIPrompt{},
		runs:     map[string]storage.FlowRun{},
		metadata: map[string]storage.UserMetadata{},
	}
}

func (r *fakeRepo) id() string {
	r.nextID++
	return "id-" + strconv.Itoa(r.nextID)
}

func (r *fakeRepo) GetActiveFlow(ctx context.Context, trigger storage.FlowTrigger) (storage.Flow, error) {
	f, ok := r.flows[trigger]
	if !ok {
		return storage.Flow{}, storage.ErrNotFound
	}
	return f, nil
}

func (r *fakeRepo) GetUIPrompt(ctx context.Context, id string) (storage.UIPrompt, error) {
	p, ok := r.prompts[id]
	if !ok {
		return storage.UIPrompt{}, storage.ErrNotFound
	}
	return p, nil
}

func (r *fakeRepo) CreateFlowRun(ctx context.Context, run storage.FlowRun) (storage.FlowRun, error) {
	run.ID = r.id()
	r.runs[run.ID] = run
	return run, nil
}

func (r *fakeRepo) GetFlowRun(ctx context.Context, id string) (storage.FlowRun, error) {
	run, ok := r.runs[id]
	if !ok {
		return storage.FlowRun{}, storage.ErrNotFound
	}
	return run, nil
}

func (r *fakeRepo) UpdateFlowRun(ctx context.Context, id string, updater func(storage.FlowRun) (storage.FlowRun, error)) (storage.FlowRun, error) {
	run, ok := r.runs[id]
	if !ok {
		return storage.FlowRun{}, storage.ErrNotFound
	}
	updated, err := updater(run)
	if err != nil {
		return storage.FlowRun{}, err
	}
	r.runs[id] = updated
	return updated, nil
}

func (r *fakeRepo) AppendFlowEvent(ctx context.Context, e storage.FlowEvent) error {
	r.events = append(r.events, e)
	return nil
}

func (r *fakeRepo) UpsertUserMetadata(ctx context.Context, m storage.UserMetadata) (storage.UserMetadata, error) {
	r.metadata[m.UserID+"/"+m.Namespace] = m
	return m, nil
}

func (r *fakeRepo) GetUserMetadata(ctx context.Context, userID, namespace string) (storage.UserMetadata, error) {
	m, ok := r.metadata[userID+"/"+namespace]
	if !ok {
		return storage.UserMetadata{}, storage.ErrNotFound
	}
	return m, nil
}

func rawConfig(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store := faststore.NewInProcess(time.Minute)
	t.Cleanup(func() { store.Close() })
	return New(store, nil, nil)
}

func TestRunSkipsWhenNoActiveFlow(t *testing.T) {
	repo := newFakeRepo()
	e := newTestEngine(t)

	res, err := e.Run(context.Background(), repo, storage.TriggerSignin, "rid-1", "user-1", Input{})
	require.NoError(t, err)
	require.Equal(t, StatusSkipped, res.Status)
}

func TestRunMetadataWriteThenFinish(t *testing.T) {
	repo := newFakeRepo()
	repo.flows[storage.TriggerSignin] = storage.Flow{
		ID:      "flow-1",
		Trigger: storage.TriggerSignin,
		Status:  storage.FlowEnabled,
		Nodes: []storage.FlowNode{
			{ID: "begin", Type: "begin", Order: 0},
			{ID: "write", Type: "metadata_write", Order: 1, Config: rawConfig(t, MetadataWriteConfig{
				Namespace: "ns1",
				Values:    map[string]any{"k": "v"},
			})},
			{ID: "finish", Type: "finish", Order: 2},
		},
	}
	e := newTestEngine(t)

	res, err := e.Run(context.Background(), repo, storage.TriggerSignin, "rid-1", "user-1", Input{})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)

	run := repo.runs[res.RunID]
	require.Equal(t, storage.FlowRunSuccess, run.Status)
	require.Equal(t, "v", repo.metadata["user-1/ns1"].Data["k"])
}

func TestRunGeolocationCheckBranchesToFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.metadata["user-1/home"] = storage.UserMetadata{UserID: "user-1", Namespace: "home", Data: map[string]any{"country": "US"}}
	repo.flows[storage.TriggerSignin] = storage.Flow{
		ID:      "flow-1",
		Trigger: storage.TriggerSignin,
		Status:  storage.FlowEnabled,
		Nodes: []storage.FlowNode{
			{ID: "begin", Type: "begin", Order: 0},
			{ID: "signals", Type: "read_signals", Order: 1},
			{ID: "geo", Type: "geolocation_check", Order: 2, FailureNodeID: "deny", Config: rawConfig(t, GeolocationCheckConfig{
				Namespace: "home",
				Key:       "country",
			})},
			{ID: "finish", Type: "finish", Order: 3},
			{ID: "deny", Type: "finish", Order: 4},
		},
	}
	e := newTestEngine(t)

	res, err := e.Run(context.Background(), repo, storage.TriggerSignin, "rid-1", "user-1", Input{IP: "203.0.113.9"})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)

	run := repo.runs[res.RunID]
	require.Equal(t, "deny", run.CurrentNodeID)
}

func TestRunPromptUISuspendsAndResumes(t *testing.T) {
	repo := newFakeRepo()
	repo.prompts["p1"] = storage.UIPrompt{
		ID:     "p1",
		Title:  "Confirm",
		Schema: []storage.UIPromptField{{Name: "confirm", Required: true}},
	}
	repo.flows[storage.TriggerSignin] = storage.Flow{
		ID:      "flow-1",
		Trigger: storage.TriggerSignin,
		Status:  storage.FlowEnabled,
		Nodes: []storage.FlowNode{
			{ID: "begin", Type: "begin", Order: 0},
			{ID: "confirm", Type: "prompt_ui", Order: 1, UIPromptID: "p1", FailureNodeID: "deny", Config: rawConfig(t, PromptUIConfig{
				ActionRouting: map[string]string{"ok": "finish"},
			})},
			{ID: "finish", Type: "finish", Order: 2},
			{ID: "deny", Type: "finish", Order: 3},
		},
	}
	e := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Run(ctx, repo, storage.TriggerSignin, "rid-1", "user-1", Input{})
	require.NoError(t, err)
	require.Equal(t, StatusInterrupted, res.Status)
	require.NotNil(t, res.Prompt)
	require.NotEmpty(t, res.Prompt.ResumeToken)
	require.Equal(t, "confirm", res.Prompt.NodeID)

	run := repo.runs[res.RunID]
	require.Equal(t, storage.FlowRunInterrupted, run.Status)

	res2, err := e.Resume(ctx, repo, res.Prompt.ResumeToken, map[string]string{"confirm": "yes", "action": "ok"})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res2.Status)
	require.Equal(t, res.RunID, res2.RunID)
}

func TestResumeRejectsReusedToken(t *testing.T) {
	repo := newFakeRepo()
	repo.prompts["p1"] = storage.UIPrompt{ID: "p1", Title: "Confirm", Schema: []storage.UIPromptField{{Name: "confirm"}}}
	repo.flows[storage.TriggerSignin] = storage.Flow{
		ID:      "flow-1",
		Trigger: storage.TriggerSignin,
		Status:  storage.FlowEnabled,
		Nodes: []storage.FlowNode{
			{ID: "confirm", Type: "prompt_ui", Order: 0, UIPromptID: "p1", Config: rawConfig(t, PromptUIConfig{
				ActionRouting: map[string]string{"ok": "finish"},
			})},
			{ID: "finish", Type: "finish", Order: 1},
		},
	}
	e := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Run(ctx, repo, storage.TriggerSignin, "rid-1", "user-1", Input{})
	require.NoError(t, err)

	_, err = e.Resume(ctx, repo, res.Prompt.ResumeToken, map[string]string{"confirm": "yes", "action": "ok"})
	require.NoError(t, err)

	_, err = e.Resume(ctx, repo, res.Prompt.ResumeToken, map[string]string{"confirm": "yes", "action": "ok"})
	require.Error(t, err)
}

func TestRunFailsOnUnknownNodeType(t *testing.T) {
	repo := newFakeRepo()
	repo.flows[storage.TriggerSignin] = storage.Flow{
		ID:      "flow-1",
		Trigger: storage.TriggerSignin,
		Status:  storage.FlowEnabled,
		Nodes: []storage.FlowNode{
			{ID: "mystery", Type: "does_not_exist", Order: 0},
		},
	}
	e := newTestEngine(t)

	res, err := e.Run(context.Background(), repo, storage.TriggerSignin, "rid-1", "user-1", Input{})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	require.NotEmpty(t, res.Error)
}
