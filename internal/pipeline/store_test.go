package pipeline

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/lucasnoah/factoryctl/internal/stage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)

	d, err := s.Create("  checkout flow ", "Add a checkout page")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if d.ID == "" {
		t.Error("ID should not be empty")
	}
	if d.Name != "checkout flow" {
		t.Errorf("Name = %q, want %q", d.Name, "checkout flow")
	}
	if d.Status != StatusDraft {
		t.Errorf("Status = %q, want %q", d.Status, StatusDraft)
	}
	if d.CreatedAt == "" || d.UpdatedAt == "" {
		t.Error("timestamps should be set")
	}

	// Round-trip through disk.
	got, err := s.Get(d.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Description != "Add a checkout page" {
		t.Errorf("Get Description = %q", got.Description)
	}
	if got.Configs == nil {
		t.Error("Configs should be initialised")
	}
}

func TestCreateValidation(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Create(" ", ""); err == nil {
		t.Error("expected error for empty name")
	}
	if _, err := s.Create("dup", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create("dup", ""); err == nil {
		t.Fatal("expected error creating duplicate draft")
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"missing", "", "../escape"} {
		_, err := s.Get(id)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(%q) err = %v, want ErrNotFound", id, err)
		}
	}
}

func TestResolve(t *testing.T) {
	s := newTestStore(t)
	a, _ := s.Create("alpha", "")
	b, _ := s.Create("beta", "")

	for ref, want := range map[string]string{
		a.ID:       a.ID,
		"beta":     b.ID,
		b.ID[:8]:   b.ID,
		"alpha":    a.ID,
	} {
		got, err := s.Resolve(ref)
		if err != nil {
			t.Errorf("Resolve(%q): %v", ref, err)
			continue
		}
		if got.ID != want {
			t.Errorf("Resolve(%q) = %s, want %s", ref, got.ID, want)
		}
	}

	if _, err := s.Resolve("gamma"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve(gamma) err = %v, want ErrNotFound", err)
	}
}

func TestUpdate(t *testing.T) {
	s := newTestStore(t)
	d, _ := s.Create("u", "")

	got, err := s.Update(d.ID, func(d *Draft) error {
		d.Description = "changed"
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Description != "changed" {
		t.Errorf("Description = %q", got.Description)
	}

	_, err = s.Update(d.ID, func(d *Draft) error {
		d.Description = "discarded"
		return errors.New("nope")
	})
	if err == nil {
		t.Fatal("expected error from fn")
	}
	reread, _ := s.Get(d.ID)
	if reread.Description != "changed" {
		t.Errorf("failed update was written: %q", reread.Description)
	}
}

func TestUpdateNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Update("missing", func(*Draft) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListWithFilter(t *testing.T) {
	s := newTestStore(t)
	a, _ := s.Create("a", "")
	s.Create("b", "")
	s.Update(a.ID, func(d *Draft) error {
		d.Status = StatusSubmitted
		return nil
	})

	// Stray files and broken entries are skipped.
	os.WriteFile(filepath.Join(s.BaseDir(), "notes.txt"), []byte("x"), 0o644)
	os.MkdirAll(filepath.Join(s.BaseDir(), "broken"), 0o755)

	all, err := s.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List() returned %d, want 2", len(all))
	}

	submitted, _ := s.List(StatusSubmitted)
	if len(submitted) != 1 || submitted[0].Name != "a" {
		t.Errorf("List(submitted) = %+v", submitted)
	}
}

func TestListEmpty(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "does-not-exist"))
	drafts, err := s.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(drafts) != 0 {
		t.Errorf("List() = %d drafts, want 0", len(drafts))
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	d, _ := s.Create("gone", "")

	if err := s.Delete(d.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(s.draftDir(d.ID)); !os.IsNotExist(err) {
		t.Error("draft directory should be removed")
	}
	if err := s.Delete(d.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete err = %v, want ErrNotFound", err)
	}
}

func TestEngineSaveRoundTrip(t *testing.T) {
	s := newTestStore(t)
	d, _ := s.Create("flow", "")

	e, err := s.Engine(d, stage.DefaultCatalog())
	if err != nil {
		t.Fatalf("Engine: %v", err)
	}
	e.SetEnabled("scribe", true)
	e.SetEnabled("architect", true)
	if err := e.SetConfig("scribe", stage.Config{"requirement_text": "checkout"}); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	if _, err := s.Save(d.ID, e); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, _ := s.Get(d.ID)
	e2, err := s.Engine(reloaded, stage.DefaultCatalog())
	if err != nil {
		t.Fatalf("Engine after reload: %v", err)
	}
	if got := strings.Join(e2.EnabledStages(), ","); got != "scribe,architect" {
		t.Errorf("EnabledStages() = %s", got)
	}
	if e2.Config("scribe")["requirement_text"] != "checkout" {
		t.Errorf("scribe config = %v", e2.Config("scribe"))
	}
	if e2.Config("architect")["granularity"] != nil {
		t.Error("untouched config should stay empty")
	}
}

func TestEngineRejectsCorruptDraft(t *testing.T) {
	s := newTestStore(t)
	d, _ := s.Create("corrupt", "")
	d.Enabled = []string{"forge"}

	if _, err := s.Engine(d, stage.DefaultCatalog()); err == nil {
		t.Fatal("expected error for out-of-order enabled list")
	}
}

func TestRecordSubmission(t *testing.T) {
	s := newTestStore(t)
	d, _ := s.Create("ship it", "desc")
	e, _ := s.Engine(d, stage.DefaultCatalog())
	e.SetEnabled("scribe", true)
	e.SetConfig("scribe", stage.Config{"requirement_text": "x"})
	s.Save(d.ID, e)

	payload := e.BuildPayload(d.Name, d.Description)
	got, err := s.RecordSubmission(d.ID, payload, "17", "4")
	if err != nil {
		t.Fatalf("RecordSubmission: %v", err)
	}
	if got.Status != StatusSubmitted || got.TaskID != "17" {
		t.Errorf("Status/TaskID = %s/%s", got.Status, got.TaskID)
	}
	if len(got.Enabled) != 0 || len(got.Configs) != 0 {
		t.Errorf("stage state should reset on submission: %+v", got.Draft)
	}
	last, ok := got.LastSubmission()
	if !ok || last.PipelineID != "4" || strings.Join(last.Stages, ",") != "scribe" {
		t.Errorf("LastSubmission() = %+v, %v", last, ok)
	}

	raw, err := s.SubmittedPayload(d.ID, "17")
	if err != nil {
		t.Fatalf("SubmittedPayload: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if decoded["name"] != "ship it" {
		t.Errorf("payload name = %v", decoded["name"])
	}
	if _, ok := decoded["agent_configs"].(map[string]any)["phoenix"]; !ok {
		t.Error("payload should carry every stage")
	}

	// Editing again reopens the draft.
	e.Reset()
	reopened, _ := s.Save(d.ID, e)
	if reopened.Status != StatusDraft {
		t.Errorf("Status after Save = %q, want %q", reopened.Status, StatusDraft)
	}

	if _, err := s.RecordSubmission(d.ID, payload, "", ""); err == nil {
		t.Error("expected error for empty task id")
	}
}

func TestRecordSubmissionRejectsUnsafeTaskID(t *testing.T) {
	root := t.TempDir()
	s := NewStore(filepath.Join(root, "drafts"))
	d, _ := s.Create("ship it", "")
	e, _ := s.Engine(d, stage.DefaultCatalog())
	payload := e.BuildPayload(d.Name, d.Description)

	for _, id := range []string{"../../../escaped", "a/b", `a\b`, "..", "."} {
		if _, err := s.RecordSubmission(d.ID, payload, id, "1"); err == nil {
			t.Errorf("RecordSubmission(%q) should fail", id)
		}
		if _, err := s.SubmittedPayload(d.ID, id); err == nil {
			t.Errorf("SubmittedPayload(%q) should fail", id)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "escaped.json")); !os.IsNotExist(err) {
		t.Errorf("payload written outside the drafts dir: %v", err)
	}

	got, err := s.Get(d.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Submissions) != 0 || got.Status != StatusDraft {
		t.Errorf("rejected submissions must not be recorded: %+v", got)
	}
}

func TestAtomicWriteCleanup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.json")

	data := []byte(`{"key": "value"}`)
	if err := WriteAtomic(path, data); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("file content = %q, want %q", got, data)
	}

	// Verify no temp files remain.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "test.json" {
			t.Errorf("unexpected file remaining: %s", e.Name())
		}
	}
}

func TestWriteAndReadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "data.json")

	type testData struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	input := testData{Name: "hello", Count: 42}
	if err := WriteJSON(path, &input); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var output testData
	if err := ReadJSON(path, &output); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if output != input {
		t.Errorf("ReadJSON got %+v, want %+v", output, input)
	}
}

func TestConcurrentUpdates(t *testing.T) {
	s := newTestStore(t)
	d, _ := s.Create("concurrent", "")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Update(d.ID, func(d *Draft) error {
				d.Description += "x"
				return nil
			})
		}()
	}
	wg.Wait()

	got, err := s.Get(d.ID)
	if err != nil {
		t.Fatalf("Get after concurrent updates: %v", err)
	}
	if got.Description != strings.Repeat("x", 10) {
		t.Errorf("Description = %q, want 10 serialized updates", got.Description)
	}
}
