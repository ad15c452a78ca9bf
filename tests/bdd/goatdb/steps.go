//go:build bdd

// Package goatdb_bdd provides godog step definitions exercising the
// scenarios in features/goatdb.feature directly against
// internal/repository, internal/query, internal/api, and internal/trust --
// GoatDB is an embedded library, not a server one drives over HTTP for
// these scenarios (sync, S3, is the one exception: two repositories
// exchanging commits over a real internal/api.Server/Client pair).
package goatdb_bdd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"

	"github.com/cucumber/godog"

	"github.com/goatdb/goatdb/internal/api"
	"github.com/goatdb/goatdb/internal/commit"
	"github.com/goatdb/goatdb/internal/item"
	"github.com/goatdb/goatdb/internal/query"
	"github.com/goatdb/goatdb/internal/repository"
	"github.com/goatdb/goatdb/internal/schema"
	"github.com/goatdb/goatdb/internal/trust"
	"github.com/goatdb/goatdb/internal/value"
)

// scenarioState holds everything a scenario's steps share. A fresh one is
// built per scenario by InitializeScenario's BeforeScenario hook.
type scenarioState struct {
	dir string

	registry *schema.Registry
	repos    map[string]*repository.Repository
	paths    map[string]string

	q *query.Query

	trustPool *trust.Pool

	lastAccepted int
	lastErr      error
}

func parseFieldSpec(spec string) map[string]value.Kind {
	fields := make(map[string]value.Kind)
	for _, pair := range strings.Split(spec, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 {
			continue
		}
		name, kindStr := parts[0], parts[1]
		var kind value.Kind
		switch kindStr {
		case "string":
			kind = value.KindStr
		case "bool":
			kind = value.KindBool
		case "int":
			kind = value.KindInt
		case "number":
			kind = value.KindNum
		}
		fields[name] = kind
	}
	return fields
}

func registerTaskSchema(reg *schema.Registry, name string, version int, spec string) error {
	defs := make(map[string]schema.FieldDef)
	for field, kind := range parseFieldSpec(spec) {
		defs[field] = schema.FieldDef{Type: kind}
	}
	return reg.Register(&schema.Schema{Namespace: name, Version: version, Fields: defs})
}

func (s *scenarioState) openRepo(name, session string) (*repository.Repository, error) {
	path := filepath.Join(s.dir, name+".log")
	repo, err := repository.Open(path, repository.Options{
		Namespace: "task",
		Version:   1,
		Registry:  s.registry,
		Session:   session,
	})
	if err != nil {
		return nil, err
	}
	s.repos[name] = repo
	s.paths[name] = path
	return repo, nil
}

func (s *scenarioState) anEmptyRepositoryWithSchema(spec string) error {
	s.registry = schema.NewRegistry()
	if err := registerTaskSchema(s.registry, "task", 1, spec); err != nil {
		return err
	}
	_, err := s.openRepo("default", "writer")
	return err
}

func (s *scenarioState) anEmptyRepositoryWithSchemaRequiringSignatures(spec string) error {
	s.registry = schema.NewRegistry()
	if err := registerTaskSchema(s.registry, "task", 1, spec); err != nil {
		return err
	}
	s.trustPool = trust.NewPool()
	if _, err := s.trustPool.CreateSession("signer", "root", 0); err != nil {
		return err
	}
	path := filepath.Join(s.dir, "default.log")
	repo, err := repository.Open(path, repository.Options{
		Namespace: "task",
		Version:   1,
		Registry:  s.registry,
		Session:   "writer",
		Verifier:  s.trustPool.VerifyCommit,
	})
	if err != nil {
		return err
	}
	s.repos["default"] = repo
	s.paths["default"] = path
	return nil
}

func fieldsFromJSON(doc string) (map[string]value.Value, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(doc), &raw); err != nil {
		return nil, err
	}
	fields := make(map[string]value.Value, len(raw))
	for k, v := range raw {
		switch x := v.(type) {
		case bool:
			fields[k] = value.Bool(x)
		case string:
			fields[k] = value.Str(x)
		case float64:
			fields[k] = value.Num(x)
		default:
			return nil, fmt.Errorf("unsupported field value %v for %q", v, k)
		}
	}
	return fields, nil
}

func (s *scenarioState) sessionSetsKeyTo(session, key, doc string) error {
	fields, err := fieldsFromJSON(doc)
	if err != nil {
		return err
	}
	it, err := item.New(s.registry, "task", 1, fields)
	if err != nil {
		return err
	}
	repo := s.repos["default"]
	_, err = repo.SetValueForKey(key, it, "")
	return err
}

func (s *scenarioState) sessionSetsKeyFieldToFromHead(session, key, field, raw string) error {
	repo := s.repos["default"]
	current, _, err := repo.ValueForKey(key)
	if err != nil {
		return err
	}
	it, err := item.New(s.registry, "task", 1, current.Fields())
	if err != nil {
		return err
	}
	if raw == "true" || raw == "false" {
		it.Set(field, value.Bool(raw == "true"))
	} else {
		it.Set(field, value.Str(strings.Trim(raw, `"`)))
	}
	head, err := repo.HeadForKey(key)
	if err != nil {
		return err
	}
	_, err = repo.SetValueForKey(key, it, head)
	return err
}

func (s *scenarioState) readingKeyReturns(key, doc string) error {
	expected, err := fieldsFromJSON(doc)
	if err != nil {
		return err
	}
	it, _, err := s.repos["default"].ValueForKey(key)
	if err != nil {
		return err
	}
	for field, want := range expected {
		got, ok := it.Get(field)
		if !ok {
			return fmt.Errorf("field %q missing from %s", field, key)
		}
		if !valuesEqual(got, want) {
			return fmt.Errorf("field %q: got %v, want %v", field, got, want)
		}
	}
	return nil
}

func valuesEqual(a, b value.Value) bool {
	if a.Kind() != b.Kind() {
		return false
	}
	switch a.Kind() {
	case value.KindBool:
		av, _ := a.AsBool()
		bv, _ := b.AsBool()
		return av == bv
	case value.KindStr:
		av, _ := a.AsStr()
		bv, _ := b.AsStr()
		return av == bv
	case value.KindNum:
		av, _ := a.AsNum()
		bv, _ := b.AsNum()
		return av == bv
	}
	return false
}

func (s *scenarioState) theRepositoryHasNCommits(n int) error {
	got := len(s.repos["default"].AllCommits())
	if got != n {
		return fmt.Errorf("expected %d commits, got %d", n, got)
	}
	return nil
}

func (s *scenarioState) aSyntheticMergeCommitExistsWithParentsFromAnd(key, a, b string) error {
	for _, c := range s.repos["default"].AllCommits() {
		if c.Key != key || !c.IsMerge() {
			continue
		}
		sessions := map[string]bool{}
		for _, pid := range c.Parents {
			for _, pc := range s.repos["default"].AllCommits() {
				if pc.ID == pid {
					sessions[pc.Session] = true
				}
			}
		}
		if sessions[a] && sessions[b] {
			return nil
		}
	}
	return fmt.Errorf("no synthetic merge commit found for key %s with parents from %s and %s", key, a, b)
}

func (s *scenarioState) repositoryWithNCommits(name string, n int) error {
	if s.registry == nil {
		s.registry = schema.NewRegistry()
		if err := registerTaskSchema(s.registry, "task", 1, "text:string,done:bool"); err != nil {
			return err
		}
	}
	repo, err := s.openRepo(name, name+"-sess")
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		it, err := item.New(s.registry, "task", 1, map[string]value.Value{
			"text": value.Str(fmt.Sprintf("item-%d", i)),
			"done": value.Bool(false),
		})
		if err != nil {
			return err
		}
		if _, err := repo.SetValueForKey(fmt.Sprintf("/t/%d", i), it, ""); err != nil {
			return err
		}
	}
	return nil
}

func (s *scenarioState) anEmptyRepositoryUnderTheSameSchema(name string) error {
	_, err := s.openRepo(name, name+"-sess")
	return err
}

func (s *scenarioState) syncsWithUntilCaughtUp(client, server string, maxRounds int) error {
	srv := api.NewServer("127.0.0.1:0", "bdd", slog.Default())
	srv.Register("repo", s.repos[server])
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	c := api.NewClient("bdd", "bdd-client", 0)
	clientRepo := s.repos[client]

	for i := 0; i < maxRounds; i++ {
		if len(clientRepo.AllCommits()) >= len(s.repos[server].AllCommits()) {
			break
		}
		if _, _, err := c.Round(context.Background(), ts.URL, "repo", clientRepo, 3); err != nil {
			return err
		}
	}
	return nil
}

func (s *scenarioState) hasTheSameCommitsAs(b, a string) error {
	wantIDs := map[string]bool{}
	for _, c := range s.repos[a].AllCommits() {
		wantIDs[c.ID] = true
	}
	for _, c := range s.repos[b].AllCommits() {
		delete(wantIDs, c.ID)
	}
	if len(wantIDs) != 0 {
		return fmt.Errorf("%s is missing %d commits present in %s", b, len(wantIDs), a)
	}
	return nil
}

func (s *scenarioState) nCommitsAreWrittenToDistinctKeys(n int) error {
	for i := 0; i < n; i++ {
		it, err := item.New(s.registry, "task", 1, map[string]value.Value{
			"text": value.Str(fmt.Sprintf("v%d", i)),
			"done": value.Bool(false),
		})
		if err != nil {
			return err
		}
		if _, err := s.repos["default"].SetValueForKey(fmt.Sprintf("/t/%d", i), it, ""); err != nil {
			return err
		}
	}
	return nil
}

func (s *scenarioState) theLastCommitRecordIsTruncatedAndReopened() error {
	if err := s.repos["default"].Close(); err != nil {
		return err
	}
	path := s.paths["default"]
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	idx := strings.LastIndex(strings.TrimRight(string(data), "\n"), "\n")
	truncated := data
	if idx >= 0 {
		tail := data[idx+1:]
		half := make([]byte, len(tail)/2)
		copy(half, tail[:len(tail)/2])
		truncated = append(append([]byte{}, data[:idx+1]...), half...)
	}
	if err := os.WriteFile(path, truncated, 0o644); err != nil {
		return err
	}
	repo, err := repository.Open(path, repository.Options{
		Namespace: "task",
		Version:   1,
		Registry:  s.registry,
		Session:   "writer",
	})
	if err != nil {
		return err
	}
	s.repos["default"] = repo
	return nil
}

func (s *scenarioState) theNextWriteSucceedsAndIsDurable() error {
	it, err := item.New(s.registry, "task", 1, map[string]value.Value{
		"text": value.Str("after-reopen"),
		"done": value.Bool(false),
	})
	if err != nil {
		return err
	}
	_, err = s.repos["default"].SetValueForKey("/t/after", it, "")
	return err
}

func (s *scenarioState) aQueryForTasksWhereIsFalseSortedBy(field, sortField string) error {
	s.q = query.New(s.repos["default"], query.Definition{
		Predicate: func(it *item.Item, ctx any) bool {
			v, ok := it.Get(field)
			if !ok {
				return false
			}
			b, _ := v.AsBool()
			return !b
		},
		PredicateVersion: "1",
		SortKey: func(it *item.Item) string {
			v, _ := it.Get(sortField)
			str, _ := v.AsStr()
			return str
		},
		SortVersion: "1",
	})
	return nil
}

func (s *scenarioState) nTasksAreInsertedMOfThemWithDoneFalse(n, m int) error {
	for i := 0; i < n; i++ {
		done := i >= m
		it, err := item.New(s.registry, "task", 1, map[string]value.Value{
			"text": value.Str(fmt.Sprintf("task-%d", i)),
			"done": value.Bool(done),
		})
		if err != nil {
			return err
		}
		if _, err := s.repos["default"].SetValueForKey(fmt.Sprintf("/t/%d", i), it, ""); err != nil {
			return err
		}
	}
	return s.q.Run(context.Background())
}

func (s *scenarioState) theQueryHasNResultsInSortedOrder(n int) error {
	results := s.q.Results()
	if len(results) != n {
		return fmt.Errorf("expected %d results, got %d", n, len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i-1].SortKey > results[i].SortKey {
			return fmt.Errorf("results not sorted: %q before %q", results[i-1].SortKey, results[i].SortKey)
		}
	}
	return nil
}

func (s *scenarioState) oneOfTheMatchingTasksIsFlippedToDoneTrue() error {
	for _, r := range s.q.Results() {
		it, head, err := s.repos["default"].ValueForKey(r.Key)
		if err != nil {
			return err
		}
		it.Set("done", value.Bool(true))
		if _, err := s.repos["default"].SetValueForKey(r.Key, it, head); err != nil {
			return err
		}
		break
	}
	return s.q.Run(context.Background())
}

func (s *scenarioState) theQueryHasNResults(n int) error {
	if len(s.q.Results()) != n {
		return fmt.Errorf("expected %d results, got %d", n, len(s.q.Results()))
	}
	return nil
}

var lastProcessedAgeSeen uint64

func (s *scenarioState) theQueryLastProcessedAgeHasStrictlyIncreased() error {
	age := s.q.LastProcessedAge()
	if age <= lastProcessedAgeSeen {
		return fmt.Errorf("expected last processed age to increase past %d, got %d", lastProcessedAgeSeen, age)
	}
	lastProcessedAgeSeen = age
	return nil
}

func (s *scenarioState) aCommitWithAnInvalidSignatureIsDeliveredViaPersistCommits() error {
	forged := map[string]value.Value{
		"text": value.Str("forged"),
		"done": value.Bool(false),
	}
	bad := &commit.Commit{
		Key:       "/t/forged",
		Session:   "attacker",
		Signature: commit.Signature{SessionID: "attacker", Bytes: []byte("not-a-real-signature")},
		Contents:  commit.Contents{Snapshot: forged},
	}
	bad.ID = commit.ComputeID(bad)
	n, err := s.repos["default"].PersistCommits([]*commit.Commit{bad}, "attacker-peer")
	s.lastAccepted = n
	s.lastErr = err
	return nil
}

func (s *scenarioState) persistCommitsAcceptsNCommits(n int) error {
	if s.lastAccepted != n {
		return fmt.Errorf("expected %d accepted, got %d (err=%v)", n, s.lastAccepted, s.lastErr)
	}
	return nil
}

func (s *scenarioState) theRepositoryCommitGraphIsUnchanged() error {
	for _, c := range s.repos["default"].AllCommits() {
		if c.Key == "/t/forged" {
			return fmt.Errorf("forged commit was admitted into the graph")
		}
	}
	return nil
}

// InitializeScenario wires every step regex to scenarioState's methods and
// resets state between scenarios.
func InitializeScenario(ctx *godog.ScenarioContext) {
	var s *scenarioState

	ctx.Before(func(goCtx context.Context, sc *godog.Scenario) (context.Context, error) {
		dir, err := os.MkdirTemp("", "goatdb-bdd-*")
		if err != nil {
			return goCtx, err
		}
		s = &scenarioState{dir: dir, repos: make(map[string]*repository.Repository), paths: make(map[string]string)}
		return goCtx, nil
	})
	ctx.After(func(goCtx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		for _, r := range s.repos {
			_ = r.Close()
		}
		os.RemoveAll(s.dir)
		return goCtx, nil
	})

	// Every step below closes over the s variable itself, not its value at
	// registration time -- ctx.Before reassigns s for each scenario, and a
	// bound method value (s.Foo) taken here would instead freeze the nil s
	// this function starts with.
	ctx.Step(`^an empty repository with schema "([^"]+)" version (\d+) fields "([^"]+)"$`,
		func(_ string, _ int, spec string) error { return s.anEmptyRepositoryWithSchema(spec) })
	ctx.Step(`^an empty repository with schema "([^"]+)" version (\d+) fields "([^"]+)" requiring signatures$`,
		func(_ string, _ int, spec string) error { return s.anEmptyRepositoryWithSchemaRequiringSignatures(spec) })
	ctx.Step(`^session "([^"]+)" sets key "([^"]+)" to (.+)$`,
		func(session, key, doc string) error { return s.sessionSetsKeyTo(session, key, doc) })
	ctx.Step(`^session "([^"]+)" sets key "([^"]+)" field "([^"]+)" to "?([^"]+)"? from the current head$`,
		func(session, key, field, raw string) error { return s.sessionSetsKeyFieldToFromHead(session, key, field, raw) })
	ctx.Step(`^reading key "([^"]+)" returns (.+)$`,
		func(key, doc string) error { return s.readingKeyReturns(key, doc) })
	ctx.Step(`^the repository has (\d+) commits?$`,
		func(n int) error { return s.theRepositoryHasNCommits(n) })
	ctx.Step(`^a synthetic merge commit exists for key "([^"]+)" with parents from "([^"]+)" and "([^"]+)"$`,
		func(key, a, b string) error { return s.aSyntheticMergeCommitExistsWithParentsFromAnd(key, a, b) })
	ctx.Step(`^repository "([^"]+)" with (\d+) commits under schema "([^"]+)" version (\d+) fields "([^"]+)"$`,
		func(name string, n int, _ string, _ int, _ string) error { return s.repositoryWithNCommits(name, n) })
	ctx.Step(`^an empty repository "([^"]+)" under the same schema$`,
		func(name string) error { return s.anEmptyRepositoryUnderTheSameSchema(name) })
	ctx.Step(`^"([^"]+)" syncs with "([^"]+)" until caught up, at most (\d+) rounds$`,
		func(client, server string, maxRounds int) error { return s.syncsWithUntilCaughtUp(client, server, maxRounds) })
	ctx.Step(`^"([^"]+)" has the same commits as "([^"]+)"$`,
		func(b, a string) error { return s.hasTheSameCommitsAs(b, a) })
	ctx.Step(`^(\d+) commits are written to distinct keys$`,
		func(n int) error { return s.nCommitsAreWrittenToDistinctKeys(n) })
	ctx.Step(`^the last commit record is truncated mid-write and the repository is reopened$`,
		func() error { return s.theLastCommitRecordIsTruncatedAndReopened() })
	ctx.Step(`^the next write succeeds and is durable$`,
		func() error { return s.theNextWriteSucceedsAndIsDurable() })
	ctx.Step(`^a query for tasks where "([^"]+)" is false sorted by "([^"]+)"$`,
		func(field, sortField string) error { return s.aQueryForTasksWhereIsFalseSortedBy(field, sortField) })
	ctx.Step(`^(\d+) tasks are inserted, (\d+) of them with done=false$`,
		func(n, m int) error { return s.nTasksAreInsertedMOfThemWithDoneFalse(n, m) })
	ctx.Step(`^the query has (\d+) results? in sorted order$`,
		func(n int) error { return s.theQueryHasNResultsInSortedOrder(n) })
	ctx.Step(`^one of the matching tasks is flipped to done=true$`,
		func() error { return s.oneOfTheMatchingTasksIsFlippedToDoneTrue() })
	ctx.Step(`^the query has (\d+) results?$`,
		func(n int) error { return s.theQueryHasNResults(n) })
	ctx.Step(`^the query's last processed age has strictly increased$`,
		func() error { return s.theQueryLastProcessedAgeHasStrictlyIncreased() })
	ctx.Step(`^a commit with an invalid signature is delivered via persist_commits$`,
		func() error { return s.aCommitWithAnInvalidSignatureIsDeliveredViaPersistCommits() })
	ctx.Step(`^persist_commits accepts (\d+) commits?$`,
		func(n int) error { return s.persistCommitsAcceptsNCommits(n) })
	ctx.Step(`^the repository's commit graph is unchanged$`,
		func() error { return s.theRepositoryCommitGraphIsUnchanged() })
}
