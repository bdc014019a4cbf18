package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/starford/hiedb/internal/auth"
	"github.com/starford/hiedb/internal/jobs"
	"github.com/starford/hiedb/internal/mdm"
	"github.com/starford/hiedb/internal/models"
	"github.com/starford/hiedb/internal/recordservice"
	"github.com/starford/hiedb/internal/rules"
	"github.com/starford/hiedb/internal/sse"
	"github.com/starford/hiedb/internal/testutil"
)

const (
	clerkToken   = "clerk-token-1"
	stewardToken = "steward-token-1"
)

var testTokens = map[string]auth.Principal{
	clerkToken:   {Name: "clerk"},
	stewardToken: {Name: "steward", Permissions: auth.AllPermissions},
}

type testEnv struct {
	router http.Handler
	jobs   *jobs.Manager
	inbox  string
}

// newTestEnv sets up a temp database, inbox, record service, job manager and
// router. authEnabled selects token mode with testTokens.
func newTestEnv(t *testing.T, authEnabled bool) *testEnv {
	t.Helper()
	db := testutil.TestDB(t)
	validator := rules.NewValidator(nil)
	db.UseRelationshipGuard(validator)
	resolver := mdm.NewResolver(db, nil, nil, mdm.Options{})
	svc := recordservice.NewService(db, resolver, validator, nil, nil)

	jm := jobs.NewManager(db, nil, nil)
	if err := jm.Register(context.Background(), jobs.FullTextRebuildJob{DB: db}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(jm.Wait)

	inboxDir, inbox := testutil.TestInbox(t)
	broker := sse.NewBroker(time.Second)
	t.Cleanup(broker.Close)

	router := NewRouter(Config{
		Service:     svc,
		Jobs:        jm,
		Inbox:       inbox,
		Events:      broker,
		AuthEnabled: authEnabled,
		Tokens:      testTokens,
	})
	return &testEnv{router: router, jobs: jm, inbox: inboxDir}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		req = httptest.NewRequest(method, path, bytes.NewReader(data))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func patientBody(name string, ids ...string) models.Record {
	return *testutil.Patient(name, "1815-12-10", "F", ids...)
}

func TestCreateAndGetRecord(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodPost, "/records", patientBody("Ada Lovelace", "A1"))
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	created := decode[models.Record](t, w)
	if created.Key == uuid.Nil || created.VersionSequence == 0 {
		t.Fatalf("created = %+v", created)
	}
	if etag := w.Header().Get("ETag"); etag != `"`+created.VersionKey.String()+`"` {
		t.Errorf("ETag = %q", etag)
	}

	w = env.do(t, http.MethodGet, "/records/"+created.Key.String(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	got := decode[models.Record](t, w)
	if got.Demographics.Name != "Ada Lovelace" || len(got.Identifiers) != 1 {
		t.Errorf("got = %+v", got)
	}
	if got.CreatedBy != LocalPrincipal.Name {
		t.Errorf("created_by = %q, want %q", got.CreatedBy, LocalPrincipal.Name)
	}
}

func TestUpdateWithOptimisticLocking(t *testing.T) {
	env := newTestEnv(t, false)
	created := decode[models.Record](t, env.do(t, http.MethodPost, "/records", patientBody("Ada", "A1")))
	path := "/records/" + created.Key.String()

	next := patientBody("Ada King", "A1")
	w := env.do(t, http.MethodPut, path, next, "If-Match", `"`+uuid.NewString()+`"`)
	if w.Code != http.StatusConflict {
		t.Fatalf("stale If-Match = %d, want 409; body = %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPut, path, next, "If-Match", `"`+created.VersionKey.String()+`"`)
	if w.Code != http.StatusOK {
		t.Fatalf("update = %d, body = %s", w.Code, w.Body.String())
	}
	updated := decode[models.Record](t, w)
	if updated.VersionSequence <= created.VersionSequence || updated.Key != created.Key {
		t.Errorf("updated = %+v", updated)
	}

	w = env.do(t, http.MethodGet, path+"/history", nil)
	hist := decode[map[string][]models.Record](t, w)
	if len(hist["versions"]) != 2 {
		t.Errorf("history = %d versions, want 2", len(hist["versions"]))
	}

	w = env.do(t, http.MethodGet, path+"/versions/"+strconv.FormatInt(created.VersionSequence, 10), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get version = %d", w.Code)
	}
	if v := decode[models.Record](t, w); v.Demographics.Name != "Ada" {
		t.Errorf("old version name = %q", v.Demographics.Name)
	}
}

func TestUpdateWithoutIfMatch(t *testing.T) {
	env := newTestEnv(t, false)
	created := decode[models.Record](t, env.do(t, http.MethodPost, "/records", patientBody("Ada", "A1")))
	w := env.do(t, http.MethodPut, "/records/"+created.Key.String(), patientBody("Ada K", "A1"))
	if w.Code != http.StatusOK {
		t.Errorf("update without If-Match = %d, want 200", w.Code)
	}
	w = env.do(t, http.MethodPut, "/records/"+created.Key.String(), patientBody("Ada K", "A1"), "If-Match", "v1")
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed If-Match = %d, want 400", w.Code)
	}
}

func TestObsoleteRecord(t *testing.T) {
	env := newTestEnv(t, false)
	created := decode[models.Record](t, env.do(t, http.MethodPost, "/records", patientBody("Ada", "A1")))
	path := "/records/" + created.Key.String()

	w := env.do(t, http.MethodDelete, path, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("obsolete = %d, body = %s", w.Code, w.Body.String())
	}
	if rec := decode[models.Record](t, w); rec.Status != models.StatusObsolete {
		t.Errorf("status = %q", rec.Status)
	}

	w = env.do(t, http.MethodDelete, path, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("second obsolete = %d, want 409", w.Code)
	}
}

func TestCreate_IdentityInsertViolation(t *testing.T) {
	env := newTestEnv(t, false)
	rec := patientBody("Ada", "A1")
	rec.VersionKey = uuid.New()

	w := env.do(t, http.MethodPost, "/records", rec)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422; body = %s", w.Code, w.Body.String())
	}
	resp := decode[errResponse](t, w)
	if resp.Kind != "IdentityInsert" {
		t.Errorf("kind = %q, want IdentityInsert", resp.Kind)
	}
}

func TestCreate_ValidationDetails(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, http.MethodPost, "/records", models.Record{Domain: models.DomainEntity})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	if resp := decode[errResponse](t, w); len(resp.Details) == 0 {
		t.Errorf("expected details, got %+v", resp)
	}
}

func TestGetRecord_NotFound(t *testing.T) {
	env := newTestEnv(t, false)
	key := uuid.New()
	w := env.do(t, http.MethodGet, "/records/"+key.String(), nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if resp := decode[errResponse](t, w); resp.Key != key.String() {
		t.Errorf("key = %q, want %s", resp.Key, key)
	}

	w = env.do(t, http.MethodGet, "/records/not-a-key", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad key = %d, want 400", w.Code)
	}
}

func TestListRecords(t *testing.T) {
	env := newTestEnv(t, false)
	env.do(t, http.MethodPost, "/records", patientBody("Ada", "A1"))
	env.do(t, http.MethodPost, "/records", patientBody("Bob", "B1"))

	w := env.do(t, http.MethodGet, "/records?class=Patient&limit=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}
	resp := decode[RecordListResponse](t, w)
	if resp.Total != 2 || len(resp.Records) != 1 {
		t.Errorf("total = %d, len = %d", resp.Total, len(resp.Records))
	}
}

func TestSubmitBundle(t *testing.T) {
	env := newTestEnv(t, false)
	b := models.Bundle{Entries: []models.BundleEntry{
		{Op: models.OpInsert, Record: patientBody("Ada", "A1")},
		{Op: models.OpInsert, Record: models.Record{Domain: models.DomainEntity, Class: models.ClassOrganization}},
	}}
	w := env.do(t, http.MethodPost, "/bundles", b)
	if w.Code != http.StatusOK {
		t.Fatalf("bundle = %d, body = %s", w.Code, w.Body.String())
	}
	if resp := decode[BundleResponse](t, w); len(resp.Records) != 2 {
		t.Errorf("records = %d", len(resp.Records))
	}

	// An entry failing rolls back the whole bundle.
	bad := models.Bundle{Entries: []models.BundleEntry{
		{Op: models.OpInsert, Record: patientBody("Carol", "C1")},
		{Op: models.OpUpdate, Record: patientBody("Nobody")},
	}}
	w = env.do(t, http.MethodPost, "/bundles", bad)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad bundle = %d, body = %s", w.Code, w.Body.String())
	}
	list := decode[RecordListResponse](t, env.do(t, http.MethodGet, "/records?class=Patient", nil))
	if list.Total != 1 {
		t.Errorf("patients = %d, want 1 after rollback", list.Total)
	}
}

func TestNotesAndSearch(t *testing.T) {
	env := newTestEnv(t, false)
	created := decode[models.Record](t, env.do(t, http.MethodPost, "/records", patientBody("Ada", "A1")))

	w := env.do(t, http.MethodPost, "/records/"+created.Key.String()+"/notes", AddNoteRequest{Text: "allergic to penicillin"})
	if w.Code != http.StatusCreated {
		t.Fatalf("add note = %d, body = %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/search?q=penicillin", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("search = %d", w.Code)
	}
	resp := decode[map[string][]map[string]any](t, w)
	if len(resp["results"]) != 1 {
		t.Errorf("results = %v", resp["results"])
	}

	w = env.do(t, http.MethodGet, "/search", nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("missing q = %d, want 422", w.Code)
	}
}

func TestMDM_LinkAndLocals(t *testing.T) {
	env := newTestEnv(t, false)
	first := decode[models.Record](t, env.do(t, http.MethodPost, "/records", patientBody("Ada", "A1")))
	env.do(t, http.MethodPost, "/records", patientBody("Ada L", "A1"))

	w := env.do(t, http.MethodGet, "/relationships?type=MasterRecord&source="+first.Key.String(), nil)
	rels := decode[map[string][]models.Relationship](t, w)["relationships"]
	if len(rels) != 1 {
		t.Fatalf("master links = %d, want 1", len(rels))
	}

	w = env.do(t, http.MethodGet, "/mdm/masters/"+rels[0].TargetKey.String()+"/locals", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("locals = %d, body = %s", w.Code, w.Body.String())
	}
	if locals := decode[map[string][]models.Record](t, w)["locals"]; len(locals) != 2 {
		t.Errorf("locals = %d, want 2", len(locals))
	}

	w = env.do(t, http.MethodGet, "/mdm/duplicates", nil)
	if w.Code != http.StatusOK {
		t.Errorf("duplicates = %d", w.Code)
	}
}

func TestMDM_MasterIsReadonly(t *testing.T) {
	env := newTestEnv(t, false)
	first := decode[models.Record](t, env.do(t, http.MethodPost, "/records", patientBody("Ada", "A1")))
	rels := decode[map[string][]models.Relationship](t,
		env.do(t, http.MethodGet, "/relationships?type=MasterRecord&source="+first.Key.String(), nil))["relationships"]
	if len(rels) != 1 {
		t.Fatalf("master links = %d", len(rels))
	}

	w := env.do(t, http.MethodDelete, "/records/"+rels[0].TargetKey.String(), nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("obsolete master = %d, want 422", w.Code)
	}
	if resp := decode[errResponse](t, w); resp.Kind != "UpdatedReadonlyObject" {
		t.Errorf("kind = %q", resp.Kind)
	}

	w = env.do(t, http.MethodDelete, "/relationships/"+rels[0].Key.String(), nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("remove master link = %d, want 403", w.Code)
	}
}

func TestMDM_SuspicionsAndMasterNotesAreSystemOwned(t *testing.T) {
	env := newTestEnv(t, false)
	first := decode[models.Record](t, env.do(t, http.MethodPost, "/records", patientBody("Ada", "A1")))
	rels := decode[map[string][]models.Relationship](t,
		env.do(t, http.MethodGet, "/relationships?type=MasterRecord&source="+first.Key.String(), nil))["relationships"]
	if len(rels) != 1 {
		t.Fatalf("master links = %d", len(rels))
	}
	master := rels[0].TargetKey

	for _, typ := range []string{models.RelDuplicate, models.RelNonDuplicate, models.RelReplaces} {
		rel := models.Relationship{TargetKey: master, Type: typ, Strength: 0.99}
		rel.SourceKey = first.Key
		if w := env.do(t, http.MethodPost, "/relationships", rel); w.Code != http.StatusForbidden {
			t.Errorf("insert %s = %d, want 403", typ, w.Code)
		}
	}

	w := env.do(t, http.MethodPost, "/records/"+master.String()+"/notes", AddNoteRequest{Text: "not yours"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("note on master = %d, want 422", w.Code)
	}
	if resp := decode[errResponse](t, w); resp.Kind != "UpdatedReadonlyObject" {
		t.Errorf("kind = %q", resp.Kind)
	}
}

func TestCatalogEndpoints(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodPost, "/authorities", models.AssigningAuthority{Domain: "MRN", Name: "Medical record number"})
	if w.Code != http.StatusCreated {
		t.Fatalf("register authority = %d, body = %s", w.Code, w.Body.String())
	}
	w = env.do(t, http.MethodPost, "/authorities", models.AssigningAuthority{Domain: "MRN", Name: "again"})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate authority = %d, want 409", w.Code)
	}
	if list := decode[map[string][]models.AssigningAuthority](t, env.do(t, http.MethodGet, "/authorities", nil)); len(list["authorities"]) != 2 {
		t.Errorf("authorities = %v", list["authorities"])
	}

	w = env.do(t, http.MethodPost, "/rules", models.RelationshipValidationRule{Kind: models.KindEntityEntity, RelationshipType: "Mother"})
	if w.Code != http.StatusCreated {
		t.Fatalf("add rule = %d, body = %s", w.Code, w.Body.String())
	}
	rule := decode[models.RelationshipValidationRule](t, w)
	w = env.do(t, http.MethodDelete, "/rules/"+rule.Key.String(), nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("delete rule = %d", w.Code)
	}
	w = env.do(t, http.MethodDelete, "/rules/"+rule.Key.String(), nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("delete missing rule = %d, want 404", w.Code)
	}
}

func TestJobsEndpoints(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodGet, "/jobs", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list jobs = %d", w.Code)
	}
	if list := decode[map[string][]jobs.Info](t, w)["jobs"]; len(list) != 1 || list[0].Name != "fulltext-rebuild" {
		t.Errorf("jobs = %+v", list)
	}

	w = env.do(t, http.MethodPost, "/jobs/"+jobs.FullTextRebuildID.String()+"/start", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("start = %d, body = %s", w.Code, w.Body.String())
	}
	env.jobs.Wait()

	w = env.do(t, http.MethodGet, "/jobs/"+jobs.FullTextRebuildID.String(), nil)
	if st := decode[models.JobStatus](t, w); st.State != models.JobCompleted {
		t.Errorf("state = %q (%s)", st.State, st.StatusText)
	}

	w = env.do(t, http.MethodPost, "/jobs/"+uuid.NewString()+"/start", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("start unknown = %d, want 404", w.Code)
	}
	w = env.do(t, http.MethodPost, "/jobs/"+jobs.FullTextRebuildID.String()+"/start", StartJobRequest{Parameters: map[string]string{"x": "1"}})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("unknown parameter = %d, want 422", w.Code)
	}
	w = env.do(t, http.MethodPost, "/jobs/"+jobs.FullTextRebuildID.String()+"/cancel", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("cancel idle = %d, want 409", w.Code)
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	env := newTestEnv(t, true)
	w := env.do(t, http.MethodGet, "/records", nil, "Authorization", "Bearer "+clerkToken)
	if w.Code != http.StatusOK {
		t.Errorf("valid token = %d, want 200", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	env := newTestEnv(t, true)
	w := env.do(t, http.MethodGet, "/records", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing token = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	env := newTestEnv(t, true)
	w := env.do(t, http.MethodGet, "/records", nil, "Authorization", "Bearer wrong")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_PermissionsEnforced(t *testing.T) {
	env := newTestEnv(t, true)

	w := env.do(t, http.MethodGet, "/mdm/duplicates", nil, "Authorization", "Bearer "+clerkToken)
	if w.Code != http.StatusForbidden {
		t.Errorf("clerk duplicates = %d, want 403", w.Code)
	}
	w = env.do(t, http.MethodGet, "/mdm/duplicates", nil, "Authorization", "Bearer "+stewardToken)
	if w.Code != http.StatusOK {
		t.Errorf("steward duplicates = %d, want 200", w.Code)
	}
	w = env.do(t, http.MethodPost, "/jobs/"+jobs.FullTextRebuildID.String()+"/start", nil, "Authorization", "Bearer "+clerkToken)
	if w.Code != http.StatusForbidden {
		t.Errorf("clerk start job = %d, want 403", w.Code)
	}
	w = env.do(t, http.MethodPost, "/authorities", models.AssigningAuthority{Domain: "MRN", Name: "x"}, "Authorization", "Bearer "+clerkToken)
	if w.Code != http.StatusForbidden {
		t.Errorf("clerk register authority = %d, want 403", w.Code)
	}
}

func TestSSEEvents_AuthProtected(t *testing.T) {
	env := newTestEnv(t, true)
	w := env.do(t, http.MethodGet, "/events", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func uploadFile(t *testing.T, router http.Handler, filename string, content []byte, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = part.Write(content)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/inbox", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestInboxUpload(t *testing.T) {
	env := newTestEnv(t, false)

	w := uploadFile(t, env.router, "ada.yaml", []byte("class: Patient\n"))
	if w.Code != http.StatusAccepted {
		t.Fatalf("upload = %d, body = %s", w.Code, w.Body.String())
	}
	if resp := decode[InboxUploadResponse](t, w); resp.Filename != "ada.yaml" {
		t.Errorf("filename = %q", resp.Filename)
	}
	data, err := os.ReadFile(filepath.Join(env.inbox, "ada.yaml"))
	if err != nil || string(data) != "class: Patient\n" {
		t.Errorf("file on disk = %q, %v", data, err)
	}
}

func TestInboxUpload_Rejected(t *testing.T) {
	env := newTestEnv(t, false)
	for _, name := range []string{"image.png", ".hidden.yaml"} {
		w := uploadFile(t, env.router, name, []byte("x"))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s = %d, want 400", name, w.Code)
		}
	}
	if _, err := os.Stat(filepath.Join(env.inbox, "image.png")); err == nil {
		t.Error("rejected file written to inbox")
	}
}

func TestInboxUpload_AuthProtected(t *testing.T) {
	env := newTestEnv(t, true)
	w := uploadFile(t, env.router, "ada.yaml", []byte("class: Patient\n"))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("upload no auth = %d, want 401", w.Code)
	}
	w = uploadFile(t, env.router, "ada.yaml", []byte("class: Patient\n"), "Authorization", "Bearer "+clerkToken)
	if w.Code != http.StatusAccepted {
		t.Errorf("upload with token = %d, want 202", w.Code)
	}
}

func TestSafeName(t *testing.T) {
	if _, err := safeName("../escape.yaml"); err == nil {
		t.Error("traversal should be rejected")
	}
	if name, err := safeName("ok.json"); err != nil || name != "ok.json" {
		t.Errorf("safeName(ok.json) = %q, %v", name, err)
	}
}
