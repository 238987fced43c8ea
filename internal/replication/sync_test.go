package replication

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"masterdata-backend/internal/changereq"
	"masterdata-backend/internal/config"
	"masterdata-backend/internal/dedup"
	"masterdata-backend/internal/eav"
	"masterdata-backend/internal/engine"
	"masterdata-backend/internal/ledger"
	"masterdata-backend/internal/masterdata"
	"masterdata-backend/internal/ownership"
	"masterdata-backend/internal/store"
)

var localUser = masterdata.Actor{UserID: "u-local", Username: "local", Roles: []string{"user"}}

// node is one store with its ledger, either the server or a client.
type node struct {
	db  *store.Store
	led *ledger.Ledger
	eav *eav.Store
}

func newNode(t *testing.T) node {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	db, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Path: dir, Name: "node"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(db.Close)
	if err := db.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	keys, err := ledger.LoadOrCreateKeyring(filepath.Join(dir, "ledger.key"), 3, nil)
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	led, err := ledger.Open(filepath.Join(dir, "ledger.jsonl"), keys, zerolog.Nop())
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	t.Cleanup(func() { led.Close() })

	return node{db: db, led: led, eav: eav.New(db, led, nil, zerolog.Nop())}
}

// localRemote exposes a server-side Applier through the client's Remote
// interface, skipping HTTP.
type localRemote struct {
	applier *Applier
}

func (r localRemote) Push(ctx context.Context, req PushRequest) (PushResponse, error) {
	return r.applier.ApplyPush(ctx, masterdata.System, req)
}

func (r localRemote) Pull(ctx context.Context, since int64, limit int) (PullResponse, error) {
	return r.applier.Pull(ctx, since, limit)
}

func newClientSyncer(t *testing.T, n node, server node, clientID string) *Syncer {
	t.Helper()
	remote := localRemote{applier: NewApplier(server.db, server.led, zerolog.Nop())}
	return NewSyncer(n.db, remote, config.SyncConfig{ClientID: clientID, BatchSize: 100, IntervalMs: 60000}, zerolog.Nop())
}

// seedData creates an engine type with name and power attributes and
// one entity, all pending locally. Six replicated rows in total.
func seedData(t *testing.T, n node) string {
	t.Helper()
	ctx := context.Background()
	if _, err := n.eav.EnsureEntityType(ctx, localUser, "engine", "Engine"); err != nil {
		t.Fatalf("ensure type: %v", err)
	}
	defs := map[string]string{}
	for _, spec := range []eav.AttributeDefSpec{
		{Code: "name", Name: "Name", DataType: masterdata.TypeText},
		{Code: "power", Name: "Power", DataType: masterdata.TypeNumber},
	} {
		def, err := n.eav.EnsureAttributeDef(ctx, localUser, "engine", spec)
		if err != nil {
			t.Fatalf("ensure def %s: %v", spec.Code, err)
		}
		defs[def.Code] = def.ID
	}
	entityType, err := n.eav.GetEntityType(ctx, "engine")
	if err != nil {
		t.Fatalf("get type: %v", err)
	}
	values := map[string]*string{}
	for code, raw := range map[string]any{"name": "Main Engine", "power": 500} {
		dataType := masterdata.TypeText
		if code == "power" {
			dataType = masterdata.TypeNumber
		}
		encoded, err := masterdata.EncodeValue(dataType, raw)
		if err != nil {
			t.Fatalf("encode %s: %v", code, err)
		}
		values[defs[code]] = encoded
	}
	id, err := n.eav.CreateEntity(ctx, localUser, entityType.ID, values)
	if err != nil {
		t.Fatalf("create entity: %v", err)
	}
	return id
}

func decodedValue(t *testing.T, n node, entityID, code string) (any, string) {
	t.Helper()
	value, err := n.eav.GetValue(context.Background(), entityID, code)
	if err != nil {
		t.Fatalf("get value %s: %v", code, err)
	}
	decoded, err := masterdata.DecodeValue(value.ValueJSON)
	if err != nil {
		t.Fatalf("decode value %s: %v", code, err)
	}
	return decoded, value.SyncStatus
}

func TestRoundTripConverges(t *testing.T) {
	server := newNode(t)
	clientA := newNode(t)
	ctx := context.Background()

	entityID := seedData(t, clientA)
	syncerA := newClientSyncer(t, clientA, server, "client-a")

	report, err := syncerA.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("sync A: %v", err)
	}
	if report.Pushed != 6 || report.Conflicts != 0 {
		t.Fatalf("first round: %+v", report)
	}
	pending, err := syncerA.PendingCount(ctx)
	if err != nil || pending != 0 {
		t.Fatalf("pending after sync = %d (err %v)", pending, err)
	}
	cursor, err := syncerA.Cursor(ctx)
	if err != nil || cursor == 0 {
		t.Fatalf("cursor = %d (err %v)", cursor, err)
	}

	// The server now has the full dataset.
	record, err := server.eav.GetEntity(ctx, entityID)
	if err != nil {
		t.Fatalf("server entity: %v", err)
	}
	if !masterdata.ValuesEqual(record.Attrs["power"], 500) {
		t.Fatalf("server attrs: %v", record.Attrs)
	}

	// A fresh client pulls everything and converges.
	clientB := newNode(t)
	syncerB := newClientSyncer(t, clientB, server, "client-b")
	report, err = syncerB.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("sync B: %v", err)
	}
	if report.Pulled != 6 || report.Pushed != 0 {
		t.Fatalf("B first round: %+v", report)
	}
	record, err = clientB.eav.GetEntity(ctx, entityID)
	if err != nil {
		t.Fatalf("B entity: %v", err)
	}
	if !masterdata.ValuesEqual(record.Attrs["name"], "Main Engine") {
		t.Fatalf("B attrs: %v", record.Attrs)
	}

	// A quiet round moves nothing.
	report, err = syncerA.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("quiet round: %v", err)
	}
	if report.Pushed != 0 || report.Pulled != 0 || report.Conflicts != 0 {
		t.Fatalf("quiet round moved data: %+v", report)
	}
}

func TestConcurrentEditConflictsAndOverride(t *testing.T) {
	server := newNode(t)
	clientA := newNode(t)
	clientB := newNode(t)
	ctx := context.Background()

	entityID := seedData(t, clientA)
	syncerA := newClientSyncer(t, clientA, server, "client-a")
	syncerB := newClientSyncer(t, clientB, server, "client-b")

	if _, err := syncerA.SyncOnce(ctx); err != nil {
		t.Fatalf("sync A: %v", err)
	}
	if _, err := syncerB.SyncOnce(ctx); err != nil {
		t.Fatalf("sync B: %v", err)
	}

	// A's edit reaches the server first.
	if err := clientA.eav.SetAttribute(ctx, localUser, entityID, "power", 111, eav.SetOptions{}); err != nil {
		t.Fatalf("A edit: %v", err)
	}
	if _, err := syncerA.SyncOnce(ctx); err != nil {
		t.Fatalf("sync A edit: %v", err)
	}

	// B edits the same value from a now stale base.
	if err := clientB.eav.SetAttribute(ctx, localUser, entityID, "power", 222, eav.SetOptions{}); err != nil {
		t.Fatalf("B edit: %v", err)
	}
	report, err := syncerB.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("sync B edit: %v", err)
	}
	if report.Conflicts != 1 {
		t.Fatalf("expected 1 conflict, got %+v", report)
	}

	// The server keeps A's value, B keeps its own attempt marked
	// conflicted and left out of later pulls.
	if v, _ := decodedValue(t, server, entityID, "power"); !masterdata.ValuesEqual(v, 111) {
		t.Fatalf("server value = %v, want 111", v)
	}
	v, status := decodedValue(t, clientB, entityID, "power")
	if !masterdata.ValuesEqual(v, 222) || status != masterdata.SyncConflict {
		t.Fatalf("B value = %v status = %s", v, status)
	}

	// A conflicted row is not retried by the normal push loop.
	report, err = syncerB.SyncOnce(ctx)
	if err != nil || report.Pushed != 0 {
		t.Fatalf("conflicted row retried: %+v err %v", report, err)
	}

	// Explicit override pushes B's row through last-writer-wins.
	value, err := clientB.eav.GetValue(ctx, entityID, "power")
	if err != nil {
		t.Fatalf("B value row: %v", err)
	}
	pb := clientB.db.Dialect.NewParamBuilder()
	raw, err := store.QueryRow(ctx, clientB.db.DB,
		fmt.Sprintf("SELECT * FROM attribute_values WHERE id = %s", pb.Add(value.ID)), pb.Params()...)
	if err != nil {
		t.Fatalf("read raw row: %v", err)
	}
	remote := localRemote{applier: NewApplier(server.db, server.led, zerolog.Nop())}
	resp, err := remote.Push(ctx, PushRequest{
		ClientID: "client-b",
		Override: true,
		Upserts:  []TableRows{{Table: "attribute_values", Rows: []map[string]any{raw}}},
	})
	if err != nil {
		t.Fatalf("override push: %v", err)
	}
	if resp.Applied != 1 || len(resp.Conflicts) != 0 {
		t.Fatalf("override response: %+v", resp)
	}
	if v, _ := decodedValue(t, server, entityID, "power"); !masterdata.ValuesEqual(v, 222) {
		t.Fatalf("override lost: server value = %v", v)
	}
}

func TestIdempotentResend(t *testing.T) {
	server := newNode(t)
	applier := NewApplier(server.db, server.led, zerolog.Nop())
	ctx := context.Background()

	now := masterdata.NowMillis()
	row := map[string]any{
		"id": "t1", "code": "engine", "name": "Engine",
		"created_at": now, "updated_at": now, "deleted_at": nil,
		"sync_status": masterdata.SyncPending, "version": int64(1), "last_server_seq": int64(0),
	}
	req := PushRequest{ClientID: "client-a", Upserts: []TableRows{{Table: "entity_types", Rows: []map[string]any{row}}}}

	first, err := applier.ApplyPush(ctx, masterdata.System, req)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if first.Applied != 1 || len(first.Seqs) != 1 {
		t.Fatalf("first push: %+v", first)
	}
	seqAfterFirst := server.led.LastSeq()

	// The client lost the ack and sends the identical row again.
	second, err := applier.ApplyPush(ctx, masterdata.System, req)
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if second.Applied != 0 || len(second.Conflicts) != 0 {
		t.Fatalf("resend treated as new or conflicting: %+v", second)
	}
	if len(second.Seqs) != 1 || second.Seqs[0].Seq != first.Seqs[0].Seq {
		t.Fatalf("resend ack %+v, want original seq %d", second.Seqs, first.Seqs[0].Seq)
	}
	if server.led.LastSeq() != seqAfterFirst {
		t.Fatal("resend appended ledger entries")
	}
}

// fakeRemote scripts the server side of one sync round.
type fakeRemote struct {
	pushFn func(PushRequest) (PushResponse, error)
	pullFn func(since int64, limit int) (PullResponse, error)
}

func (f fakeRemote) Push(ctx context.Context, req PushRequest) (PushResponse, error) {
	if f.pushFn == nil {
		return PushResponse{}, nil
	}
	return f.pushFn(req)
}

func (f fakeRemote) Pull(ctx context.Context, since int64, limit int) (PullResponse, error) {
	if f.pullFn == nil {
		return PullResponse{NextSince: since}, nil
	}
	return f.pullFn(since, limit)
}

// newServerService wires the full write path on a server node: eav in
// server mode plus ownership gating and the change-request workflow.
func newServerService(t *testing.T, n node) *engine.Service {
	t.Helper()
	owners := ownership.NewRegistry()
	eavStore := eav.New(n.db, n.led, owners, zerolog.Nop()).AssignServerSeqs()
	return engine.NewService(eavStore, owners, ownership.NewPolicy(), changereq.New(n.db), dedup.NewResolver(), zerolog.Nop())
}

var (
	adminUser = masterdata.Actor{UserID: "u-admin", Username: "admin", Roles: []string{"admin"}}
	ownerUser = masterdata.Actor{UserID: "u-owner", Username: "owner", Roles: []string{"user"}}
	otherUser = masterdata.Actor{UserID: "u-other", Username: "other", Roles: []string{"user"}}
)

// seedServerEntity creates the engine type with name/power attributes
// and one owned entity directly on the server.
func seedServerEntity(t *testing.T, svc *engine.Service) string {
	t.Helper()
	ctx := context.Background()
	if _, err := svc.EAV().EnsureEntityType(ctx, adminUser, "engine", "Engine"); err != nil {
		t.Fatalf("ensure type: %v", err)
	}
	for _, spec := range []eav.AttributeDefSpec{
		{Code: "name", Name: "Name", DataType: masterdata.TypeText},
		{Code: "power", Name: "Power", DataType: masterdata.TypeNumber},
	} {
		if _, err := svc.EAV().EnsureAttributeDef(ctx, adminUser, "engine", spec); err != nil {
			t.Fatalf("ensure def %s: %v", spec.Code, err)
		}
	}
	id, err := svc.CreateEntity(ctx, ownerUser, "engine", map[string]any{"name": "Main Engine", "power": 500})
	if err != nil {
		t.Fatalf("create entity: %v", err)
	}
	return id
}

func TestServerSideWritesReachClients(t *testing.T) {
	server := newNode(t)
	svc := newServerService(t, server)
	ctx := context.Background()

	entityID := seedServerEntity(t, svc)

	// A gated edit goes through the approval queue and is applied
	// server-side by the owner.
	cr, err := svc.UpdateAttribute(ctx, otherUser, entityID, "power", 900, eav.SetOptions{})
	if err != nil {
		t.Fatalf("queue update: %v", err)
	}
	if cr == nil {
		t.Fatal("non-owner update was not queued")
	}
	if _, err := svc.ApplyChangeRequest(ctx, ownerUser, cr.ID); err != nil {
		t.Fatalf("apply: %v", err)
	}

	// All of it, including the approved change, is pullable.
	applier := NewApplier(server.db, server.led, zerolog.Nop())
	resp, err := applier.Pull(ctx, 0, 0)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(resp.Rows) == 0 {
		t.Fatal("server-side writes invisible to pull")
	}

	client := newNode(t)
	syncer := newClientSyncer(t, client, server, "client-x")
	report, err := syncer.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Pulled == 0 {
		t.Fatalf("client pulled nothing: %+v", report)
	}
	record, err := client.eav.GetEntity(ctx, entityID)
	if err != nil {
		t.Fatalf("client entity: %v", err)
	}
	if !masterdata.ValuesEqual(record.Attrs["power"], 900) {
		t.Fatalf("approved change did not replicate: %v", record.Attrs)
	}
}

func TestStalePushRejectedAfterServerSideWrite(t *testing.T) {
	server := newNode(t)
	svc := newServerService(t, server)
	ctx := context.Background()

	entityID := seedServerEntity(t, svc)

	client := newNode(t)
	syncer := newClientSyncer(t, client, server, "client-x")
	if _, err := syncer.SyncOnce(ctx); err != nil {
		t.Fatalf("initial sync: %v", err)
	}

	// The client edits from the base it pulled; meanwhile the server
	// applies its own write, taking a newer sequence.
	if err := client.eav.SetAttribute(ctx, localUser, entityID, "power", 111, eav.SetOptions{}); err != nil {
		t.Fatalf("client edit: %v", err)
	}
	if _, err := svc.UpdateAttribute(ctx, adminUser, entityID, "power", 222, eav.SetOptions{}); err != nil {
		t.Fatalf("server edit: %v", err)
	}

	report, err := syncer.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Conflicts != 1 {
		t.Fatalf("stale push not flagged: %+v", report)
	}
	if v, _ := decodedValue(t, server, entityID, "power"); !masterdata.ValuesEqual(v, 222) {
		t.Fatalf("server write silently overwritten: %v", v)
	}
	if _, status := decodedValue(t, client, entityID, "power"); status != masterdata.SyncConflict {
		t.Fatalf("client row status = %s, want sync_conflict", status)
	}
}

func TestRewriteWhileInFlightKeepsAckedSeq(t *testing.T) {
	client := newNode(t)
	ctx := context.Background()

	entityType, err := client.eav.EnsureEntityType(ctx, localUser, "engine", "Engine")
	if err != nil {
		t.Fatalf("ensure type: %v", err)
	}

	pushes := 0
	var secondBaseSeq int64
	remote := fakeRemote{
		pushFn: func(req PushRequest) (PushResponse, error) {
			pushes++
			row := req.Upserts[0].Rows[0]
			switch pushes {
			case 1:
				// Local edit lands while the first push is in flight.
				pb := client.db.Dialect.NewParamBuilder()
				sqlStr := fmt.Sprintf(
					"UPDATE entity_types SET name = 'Renamed', updated_at = updated_at + 1000, version = version + 1 WHERE id = %s",
					pb.Add(entityType.ID))
				if _, err := store.Exec(ctx, client.db.DB, sqlStr, pb.Params()...); err != nil {
					t.Fatalf("mid-flight rewrite: %v", err)
				}
				return PushResponse{Applied: 1, Seqs: []AppliedSeq{{Table: "entity_types", RowID: entityType.ID, Seq: 41}}}, nil
			default:
				secondBaseSeq = toInt64(row["last_server_seq"])
				return PushResponse{Applied: 1, Seqs: []AppliedSeq{{Table: "entity_types", RowID: entityType.ID, Seq: 42}}}, nil
			}
		},
	}
	syncer := NewSyncer(client.db, remote, config.SyncConfig{ClientID: "client-a", BatchSize: 100, IntervalMs: 60000}, zerolog.Nop())

	report, err := syncer.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if pushes != 2 || report.Pushed != 2 {
		t.Fatalf("expected the rewritten row to be re-pushed: pushes=%d report=%+v", pushes, report)
	}

	// The retry carried the acked sequence as its base, not zero, so
	// the server saw a sequential edit instead of a conflict.
	if secondBaseSeq != 41 {
		t.Fatalf("second push base seq = %d, want 41", secondBaseSeq)
	}

	pb := client.db.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, client.db.DB,
		fmt.Sprintf("SELECT name, sync_status, last_server_seq FROM entity_types WHERE id = %s", pb.Add(entityType.ID)),
		pb.Params()...)
	if err != nil {
		t.Fatalf("read row: %v", err)
	}
	if row["sync_status"] != masterdata.SyncSynced || toInt64(row["last_server_seq"]) != 42 {
		t.Fatalf("final row state: %v", row)
	}
	if row["name"] != "Renamed" {
		t.Fatalf("local rewrite lost: %v", row["name"])
	}
}

func TestPullKeepsLocalPendingRows(t *testing.T) {
	client := newNode(t)
	ctx := context.Background()

	entityType, err := client.eav.EnsureEntityType(ctx, localUser, "engine", "Engine")
	if err != nil {
		t.Fatalf("ensure type: %v", err)
	}

	// The server pushes back an older revision of the same type row.
	serverRow := map[string]any{
		"id": entityType.ID, "code": "engine", "name": "Server Name",
		"created_at": entityType.CreatedAt, "updated_at": entityType.UpdatedAt, "deleted_at": nil,
		"sync_status": masterdata.SyncSynced, "version": int64(5), "last_server_seq": int64(50),
	}
	remote := fakeRemote{
		pullFn: func(since int64, limit int) (PullResponse, error) {
			if since >= 50 {
				return PullResponse{NextSince: since}, nil
			}
			return PullResponse{Rows: []PulledRow{{Table: "entity_types", Row: serverRow}}, NextSince: 50}, nil
		},
	}
	syncer := NewSyncer(client.db, remote, config.SyncConfig{ClientID: "client-a", BatchSize: 100, IntervalMs: 60000}, zerolog.Nop())

	report, err := syncer.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Pulled != 0 {
		t.Fatalf("pending local row overwritten by pull: %+v", report)
	}

	got, err := client.eav.GetEntityType(ctx, "engine")
	if err != nil {
		t.Fatalf("get type: %v", err)
	}
	if got.Name != "Engine" {
		t.Fatalf("local pending edit lost: name = %q", got.Name)
	}

	// The cursor still advances so already-seen rows are not re-pulled.
	cursor, err := syncer.Cursor(ctx)
	if err != nil || cursor != 50 {
		t.Fatalf("cursor = %d (err %v), want 50", cursor, err)
	}
}
