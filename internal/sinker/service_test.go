package sinker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pinax-network/substreams-sink-sheets/pkg/changes"
	"github.com/pinax-network/substreams-sink-sheets/pkg/cursor"
	"github.com/pinax-network/substreams-sink-sheets/pkg/feed"
	"github.com/pinax-network/substreams-sink-sheets/pkg/logger"
	"github.com/pinax-network/substreams-sink-sheets/pkg/manifest"
	"github.com/pinax-network/substreams-sink-sheets/pkg/sheets"
	"github.com/pinax-network/substreams-sink-sheets/pkg/sink"
)

const typeURL = "type.googleapis.com/" + changes.MessageTypeName

// memoryStore is a single-spreadsheet sheets.Store keeping an operation log
type memoryStore struct {
	mu         sync.Mutex
	rows       [][]string
	appends    [][][]string
	inserts    [][][]string
	ops        []string
	sheetIDs   map[string]int64
	failAppend map[int]error
	appended   chan struct{}
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		sheetIDs: map[string]int64{"Sheet1": 0},
		appended: make(chan struct{}, 100),
	}
}

func (m *memoryStore) ReadRange(ctx context.Context, rangeRef string) ([][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.rows) == 0 {
		return nil, nil
	}
	return [][]string{m.rows[0]}, nil
}

func (m *memoryStore) AppendRows(ctx context.Context, rangeRef string, rows [][]string) error {
	m.mu.Lock()
	call := len(m.appends)
	m.appends = append(m.appends, rows)
	m.ops = append(m.ops, "append")
	err := m.failAppend[call]
	if err == nil {
		m.rows = append(m.rows, rows...)
	}
	m.mu.Unlock()
	m.appended <- struct{}{}
	return err
}

func (m *memoryStore) InsertRowsAt(ctx context.Context, sheetID int64, start, end int64, rows [][]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserts = append(m.inserts, rows)
	m.ops = append(m.ops, "insert:"+strconv.FormatInt(start, 10))
	out := append([][]string{}, m.rows[:start]...)
	out = append(out, rows...)
	m.rows = append(out, m.rows[start:]...)
	return nil
}

func (m *memoryStore) CreateSheet(ctx context.Context, title string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := int64(len(m.sheetIDs) + 10)
	m.sheetIDs[title] = id
	m.ops = append(m.ops, "create:"+title)
	return id, nil
}

func (m *memoryStore) GetSheetID(ctx context.Context, title string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.sheetIDs[title]
	if !ok {
		return 0, sheets.ErrSheetNotFound
	}
	return id, nil
}

func (m *memoryStore) Appends() [][][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][][]string(nil), m.appends...)
}

// scriptedSource replays events; gate runs before event i is sent
type scriptedSource struct {
	events []feed.Event
	gate   func(i int)
	hold   bool
	sent   chan struct{}

	mu  sync.Mutex
	req *feed.Request
}

func (s *scriptedSource) Stream(ctx context.Context, req feed.Request) (<-chan feed.Event, error) {
	s.mu.Lock()
	s.req = &req
	s.mu.Unlock()

	out := make(chan feed.Event)
	go func() {
		defer close(out)
		for i, ev := range s.events {
			if s.gate != nil {
				s.gate(i)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if s.sent != nil {
			close(s.sent)
		}
		if s.hold {
			<-ctx.Done()
		}
	}()
	return out, nil
}

func (s *scriptedSource) Request() *feed.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.req
}

type staticRegistry []feed.Module

func (r staticRegistry) ListModules(ctx context.Context) ([]feed.Module, error) {
	return r, nil
}

var registry = staticRegistry{
	{Name: "map_transfers", OutputType: "erc20.types.v1.Transfers"},
	{Name: "db_out", OutputType: changes.MessageTypeName},
}

func message(block uint64, seconds int64, tcs ...changes.TableChange) feed.Event {
	return feed.Event{Kind: feed.EventMessage, Message: feed.Message{
		Module:  "db_out",
		TypeURL: typeURL,
		Payload: changes.Encode(&changes.DatabaseChanges{TableChanges: tcs}),
		Clock:   changes.BlockClock{Number: block, Seconds: seconds},
		Cursor:  strconv.FormatUint(block, 10),
	}}
}

func create(pk string, fields ...string) changes.TableChange {
	tc := changes.TableChange{Table: "t", PrimaryKey: pk, Ordinal: 5, Operation: changes.OperationCreate}
	for i := 0; i+1 < len(fields); i += 2 {
		tc.Fields = append(tc.Fields, changes.FieldChange{Name: fields[i], NewValue: fields[i+1]})
	}
	return tc
}

func baseOptions() Options {
	return Options{
		OutputModule:  "db_out",
		Range:         "Sheet1",
		FlushInterval: time.Millisecond,
	}
}

func run(t *testing.T, src feed.Source, store *memoryStore, opts Options) (*Service, error) {
	t.Helper()
	svc := NewService(logger.NewNop(), Deps{Source: src, Registry: registry, Store: store}, opts)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return svc, svc.Run(ctx)
}

func TestRunExplicitColumns(t *testing.T) {
	store := newMemoryStore()
	src := &scriptedSource{events: []feed.Event{message(100, 1000, create("1", "amount", "42"))}}
	opts := baseOptions()
	opts.Columns = []string{"block_number", "amount"}

	svc, err := run(t, src, store, opts)
	require.NoError(t, err)

	assert.Equal(t, [][][]string{{{"100", "42"}}}, store.Appends())
	assert.Equal(t, StateDone, svc.State())
	assert.Equal(t, "db_out", src.Request().Module)
}

func TestRunSkipsUpdates(t *testing.T) {
	store := newMemoryStore()
	tc := create("1", "amount", "42")
	tc.Operation = changes.OperationUpdate
	src := &scriptedSource{events: []feed.Event{message(100, 1000, tc)}}
	opts := baseOptions()
	opts.Columns = []string{"block_number", "amount"}

	_, err := run(t, src, store, opts)
	require.NoError(t, err)
	assert.Empty(t, store.Appends())
}

func TestRunKeepsUpdatesWhenConfigured(t *testing.T) {
	store := newMemoryStore()
	tc := create("1", "amount", "42")
	tc.Operation = changes.OperationUpdate
	src := &scriptedSource{events: []feed.Event{message(100, 1000, tc)}}
	opts := baseOptions()
	opts.Columns = []string{"operation", "amount"}
	opts.Operations = []changes.Operation{changes.OperationCreate, changes.OperationUpdate}

	_, err := run(t, src, store, opts)
	require.NoError(t, err)
	assert.Equal(t, [][][]string{{{"2", "42"}}}, store.Appends())
}

func TestRunInfersColumnsOnce(t *testing.T) {
	store := newMemoryStore()
	src := &scriptedSource{events: []feed.Event{
		message(100, 1000, create("1", "a", "1", "b", "2")),
		message(101, 1012, create("2", "a", "3", "b", "4", "c", "c-value")),
	}}

	svc, err := run(t, src, store, baseOptions())
	require.NoError(t, err)

	cols := svc.Columns()
	require.GreaterOrEqual(t, len(cols), 2)
	assert.Equal(t, []string{"a", "b"}, cols[len(cols)-2:])
	assert.NotContains(t, cols, "c")

	rows := flatten(store.Appends())
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Len(t, row, len(cols))
	}
	assert.Equal(t, []string{"3", "4"}, rows[1][len(cols)-2:])
	assert.NotContains(t, rows[1], "c-value")
}

func TestRunWritesHeaderAfterRows(t *testing.T) {
	store := newMemoryStore()
	src := &scriptedSource{events: []feed.Event{message(100, 1000, create("1", "amount", "42"))}}
	opts := baseOptions()
	opts.AddHeaderRow = true

	svc, err := run(t, src, store, opts)
	require.NoError(t, err)

	require.Len(t, store.inserts, 1)
	assert.Equal(t, [][]string{svc.Columns()}, store.inserts[0])
	assert.Equal(t, []string{"append", "insert:0"}, store.ops)
	assert.Equal(t, svc.Columns(), store.rows[0])
}

func TestRunWritesHeaderAtStart(t *testing.T) {
	store := newMemoryStore()
	src := &scriptedSource{events: []feed.Event{message(100, 1000, create("1", "amount", "42"))}}
	opts := baseOptions()
	opts.AddHeaderRow = true
	opts.HeaderPolicy = HeaderAtStart
	opts.Columns = []string{"block_number", "amount"}

	_, err := run(t, src, store, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"insert:0", "append"}, store.ops)
	assert.Equal(t, [][]string{{"block_number", "amount"}, {"100", "42"}}, store.rows)
}

func TestRunHeaderAlreadyPresent(t *testing.T) {
	store := newMemoryStore()
	store.rows = [][]string{{"block_number", "amount"}}
	src := &scriptedSource{events: []feed.Event{message(100, 1000, create("1", "amount", "42"))}}
	opts := baseOptions()
	opts.AddHeaderRow = true
	opts.Columns = []string{"block_number", "amount"}

	_, err := run(t, src, store, opts)
	require.NoError(t, err)
	assert.Empty(t, store.inserts)
}

func TestRunDropsFailedBatchAndContinues(t *testing.T) {
	store := newMemoryStore()
	store.failAppend = map[int]error{0: errors.New("quota exceeded")}
	src := &scriptedSource{
		events: []feed.Event{
			message(100, 1000, create("1", "amount", "1"), create("2", "amount", "2"), create("3", "amount", "3")),
			message(101, 1012, create("4", "amount", "4")),
		},
		gate: func(i int) {
			if i == 1 {
				<-store.appended
			}
		},
	}
	opts := baseOptions()
	opts.Columns = []string{"pk", "amount"}
	opts.FailurePolicy = sink.PolicyDrop

	_, err := run(t, src, store, opts)
	require.ErrorIs(t, err, sink.ErrBatchDropped)

	appends := store.Appends()
	require.Len(t, appends, 2)
	assert.Len(t, appends[0], 3)
	assert.Equal(t, [][]string{{"4", "4"}}, appends[1])
	assert.Equal(t, [][]string{{"4", "4"}}, store.rows)
}

func TestRunRequeuesFailedBatch(t *testing.T) {
	store := newMemoryStore()
	store.failAppend = map[int]error{0: errors.New("connection reset")}
	src := &scriptedSource{events: []feed.Event{
		message(100, 1000, create("1", "amount", "1"), create("2", "amount", "2")),
	}}
	opts := baseOptions()
	opts.Columns = []string{"pk"}
	opts.Retry.MaxAttempts = 3
	opts.Retry.InitialInterval = time.Millisecond
	opts.Retry.Multiplier = 2

	_, err := run(t, src, store, opts)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"1"}, {"2"}}, store.rows)
}

func TestRunIgnoresForeignTypesAndBadPayloads(t *testing.T) {
	core, observed := observer.New(zap.DebugLevel)
	store := newMemoryStore()

	foreign := message(99, 990, create("0", "amount", "0"))
	foreign.Message.TypeURL = "type.googleapis.com/erc20.types.v1.Transfers"
	garbage := message(100, 1000)
	garbage.Message.Payload = []byte{0x0a, 0x05, 0x01}

	src := &scriptedSource{events: []feed.Event{foreign, garbage, message(101, 1012, create("1", "amount", "42"))}}
	opts := baseOptions()
	opts.Columns = []string{"block_number", "amount"}

	svc := NewService(logger.FromZap(zap.New(core)), Deps{Source: src, Registry: registry, Store: store}, opts)
	require.NoError(t, svc.Run(context.Background()))

	assert.Equal(t, [][][]string{{{"101", "42"}}}, store.Appends())
	assert.Equal(t, 1, observed.FilterMessage("skipping undecodable message").Len())
	assert.Equal(t, 1, observed.FilterMessage("ignoring message").Len())
}

func TestRunReturnsFeedErrorAfterFlushing(t *testing.T) {
	store := newMemoryStore()
	src := &scriptedSource{events: []feed.Event{
		message(100, 1000, create("1", "amount", "42")),
		{Kind: feed.EventEnd, Err: errors.New("broker went away")},
	}}
	opts := baseOptions()
	opts.Columns = []string{"amount"}

	_, err := run(t, src, store, opts)
	assert.ErrorContains(t, err, "broker went away")
	assert.Equal(t, [][]string{{"42"}}, flatten(store.Appends()))
}

func TestRunFatalBeforeStreaming(t *testing.T) {
	store := newMemoryStore()
	src := &scriptedSource{}

	opts := baseOptions()
	opts.OutputModule = "graph_out"
	_, err := run(t, src, store, opts)
	assert.ErrorIs(t, err, manifest.ErrModuleNotFound)
	assert.Nil(t, src.Request())

	opts.OutputModule = "map_transfers"
	_, err = run(t, src, store, opts)
	assert.ErrorIs(t, err, manifest.ErrIncompatibleModule)

	opts = baseOptions()
	opts.Range = ""
	svc, err := run(t, src, store, opts)
	assert.ErrorContains(t, err, "[range] is required")
	assert.Equal(t, StateDone, svc.State())
	assert.Nil(t, src.Request())
}

type unavailableSource struct{}

func (unavailableSource) Stream(ctx context.Context, req feed.Request) (<-chan feed.Event, error) {
	return nil, errors.New("no brokers reachable")
}

func TestRunDrainsWhenStreamFailsToStart(t *testing.T) {
	core, observed := observer.New(zap.DebugLevel)
	store := newMemoryStore()

	svc := NewService(logger.FromZap(zap.New(core)), Deps{Source: unavailableSource{}, Registry: registry, Store: store}, baseOptions())
	err := svc.Run(context.Background())
	assert.ErrorContains(t, err, "no brokers reachable")
	assert.Equal(t, StateDone, svc.State())

	var transitions []string
	for _, entry := range observed.FilterMessage("state changed").All() {
		ctx := entry.ContextMap()
		transitions = append(transitions, fmt.Sprint(ctx["from"], "->", ctx["to"]))
	}
	assert.Equal(t, []string{"idle->streaming", "streaming->draining", "draining->done"}, transitions)
	assert.Equal(t, 1, observed.FilterMessage("draining").Len())
}

func TestRunReportsFirstDroppedBatch(t *testing.T) {
	store := newMemoryStore()
	store.failAppend = map[int]error{0: errors.New("quota exceeded"), 1: errors.New("quota exceeded")}
	src := &scriptedSource{
		events: []feed.Event{
			message(100, 1000, create("1", "amount", "1")),
			message(101, 1012, create("2", "amount", "2")),
		},
		gate: func(i int) {
			if i == 1 {
				<-store.appended
			}
		},
	}
	opts := baseOptions()
	opts.Columns = []string{"pk"}
	opts.FailurePolicy = sink.PolicyDrop

	_, err := run(t, src, store, opts)
	var dispatchErr *sink.DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, "100", dispatchErr.Cursor)
	assert.Len(t, store.Appends(), 2)
}

func TestRunEnsuresSheet(t *testing.T) {
	store := newMemoryStore()
	src := &scriptedSource{}
	opts := baseOptions()
	opts.Range = "Transfers!A:C"
	opts.EnsureSheet = true

	_, err := run(t, src, store, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"create:Transfers"}, store.ops)

	_, err = run(t, src, store, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"create:Transfers"}, store.ops)
}

func TestRunResumesFromCursor(t *testing.T) {
	store := newMemoryStore()
	cursors := cursor.NewMemoryStore()
	require.NoError(t, cursors.Save(context.Background(), "99"))

	src := &scriptedSource{events: []feed.Event{
		message(100, 1000, create("1", "amount", "1")),
		message(101, 1012, create("2", "amount", "2")),
	}}
	opts := baseOptions()
	opts.Columns = []string{"amount"}
	opts.StartBlock = 50
	opts.StopBlock = 200

	svc := NewService(logger.NewNop(), Deps{Source: src, Registry: registry, Store: store, Cursors: cursors}, opts)
	require.NoError(t, svc.Run(context.Background()))

	req := src.Request()
	require.NotNil(t, req)
	assert.Equal(t, "99", req.Cursor)
	assert.Equal(t, uint64(50), req.StartBlock)
	assert.Equal(t, uint64(200), req.StopBlock)

	saved, err := cursors.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "101", saved)
}

func TestRunStateTransitionsAndCancel(t *testing.T) {
	store := newMemoryStore()
	var svc *Service
	states := make(chan State, 2)
	ignored := message(101, 1012)
	ignored.Message.TypeURL = "type.googleapis.com/google.protobuf.Empty"
	src := &scriptedSource{
		events: []feed.Event{message(100, 1000, create("1", "amount", "42")), ignored},
		gate: func(i int) {
			states <- svc.State()
		},
		hold: true,
		sent: make(chan struct{}),
	}
	opts := baseOptions()
	opts.Columns = []string{"amount"}
	opts.FlushInterval = time.Hour

	svc = NewService(logger.NewNop(), Deps{Source: src, Registry: registry, Store: store}, opts)
	ready, label := svc.Ready()
	assert.False(t, ready)
	assert.Equal(t, "idle", label)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	assert.Equal(t, StateStreaming, <-states)
	<-src.sent
	assert.Empty(t, store.Appends())
	ready, label = svc.Ready()
	assert.True(t, ready)
	assert.Equal(t, "streaming", label)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateDone, svc.State())
	assert.Equal(t, [][]string{{"42"}}, flatten(store.Appends()))
}

func TestOptionsValidate(t *testing.T) {
	assert.NoError(t, baseOptions().Validate())

	opts := baseOptions()
	opts.OutputModule = ""
	assert.ErrorContains(t, opts.Validate(), "output-module")

	opts = baseOptions()
	opts.StartBlock, opts.StopBlock = 10, 10
	assert.Error(t, opts.Validate())

	opts = baseOptions()
	opts.HeaderPolicy = "sometimes"
	assert.Error(t, opts.Validate())

	opts = baseOptions()
	opts.FailurePolicy = "ignore"
	assert.Error(t, opts.Validate())
}

type fakeCreator struct {
	title string
	err   error
}

func (f *fakeCreator) CreateSpreadsheet(ctx context.Context, title string) (string, error) {
	f.title = title
	return "sheet-123", f.err
}

func TestCreate(t *testing.T) {
	creator := &fakeCreator{}
	created, err := Create(context.Background(), creator, "substreams-sink-sheets")
	require.NoError(t, err)
	assert.Equal(t, "sheet-123", created.SpreadsheetID)
	assert.Equal(t, "https://docs.google.com/spreadsheets/d/sheet-123/edit", created.URL)
	assert.Equal(t, "substreams-sink-sheets", creator.title)

	_, err = Create(context.Background(), creator, "")
	assert.Error(t, err)

	_, err = Create(context.Background(), &fakeCreator{err: errors.New("forbidden")}, "x")
	assert.ErrorContains(t, err, "forbidden")
}

func TestList(t *testing.T) {
	names, err := List(context.Background(), registry)
	require.NoError(t, err)
	assert.Equal(t, []string{"db_out"}, names)
}

func flatten(calls [][][]string) [][]string {
	var out [][]string
	for _, c := range calls {
		out = append(out, c...)
	}
	return out
}
