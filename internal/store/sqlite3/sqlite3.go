// Package sqlite3 implements the persisted fact/branch/tx-chain storage
// surface on top of modernc.org/sqlite, a pure-Go embedded-driver choice
// for a single-writer, zero-cgo backend.
package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/commontoolsinc/runtime/internal/branch"
	"github.com/commontoolsinc/runtime/internal/config"
	"github.com/commontoolsinc/runtime/internal/fact"
	"github.com/commontoolsinc/runtime/internal/txn"

	_ "modernc.org/sqlite"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
)

var DefaultTablePrefix = "ct_"

// SQLite persists a memory space's facts, branch change DAG and
// transaction chain, implementing fact.Store, branch.Store and
// txn.ChainStore against one database.
type SQLite struct {
	db   *sql.DB
	goqu *goqu.Database

	tableFacts     exp.IdentifierExpression
	tableAttrIndex exp.IdentifierExpression
	tableBranches  exp.IdentifierExpression
	tableHeads     exp.IdentifierExpression
	tableChanges   exp.IdentifierExpression
	tableChunks    exp.IdentifierExpression
	tableTxChain   exp.IdentifierExpression
}

func New(ctx context.Context, cfg *config.StoreSQLite) (*SQLite, error) {
	if cfg == nil {
		return nil, errors.New("sqlite configuration is nil")
	}
	if cfg.Datasource == "" {
		return nil, errors.New("sqlite datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	migrate := cfg.Migrate
	if migrate.Table == "" {
		migrate.Table = "migrations"
	}
	if migrate.Datasource == "" {
		migrate.Datasource = cfg.Datasource
	}
	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, &migrate); err != nil {
		return nil, fmt.Errorf("migrate store sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// SQLite is single-writer; limit connections accordingly.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	slog.Info("connected to store sqlite")

	dbGoqu := goqu.New("sqlite3", db)

	return &SQLite{
		db:             db,
		goqu:           dbGoqu,
		tableFacts:     goqu.T(tablePrefix + "facts"),
		tableAttrIndex: goqu.T(tablePrefix + "attr_index"),
		tableBranches:  goqu.T(tablePrefix + "branches"),
		tableHeads:     goqu.T(tablePrefix + "heads"),
		tableChanges:   goqu.T(tablePrefix + "changes"),
		tableChunks:    goqu.T(tablePrefix + "chunks"),
		tableTxChain:   goqu.T(tablePrefix + "tx_chain"),
	}, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Error("close store sqlite connection", "error", err)
		}
	}
}

// ─── fact.CAS ───

func (s *SQLite) Put(ctx context.Context, space, kind, digest string, body []byte) error {
	has, err := s.Has(ctx, space, digest)
	if err != nil {
		return err
	}
	if has {
		return &fact.AlreadyExistsError{Digest: digest}
	}

	query, _, err := s.goqu.Insert(s.tableFacts).Rows(goqu.Record{
		"space":      space,
		"digest":     digest,
		"kind":       kind,
		"body":       body,
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build put query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("put fact %q: %w", digest, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, space, digest string) ([]byte, error) {
	query, _, err := s.goqu.From(s.tableFacts).
		Select("body").
		Where(goqu.I("space").Eq(space), goqu.I("digest").Eq(digest)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}

	var body []byte
	if err := s.db.QueryRowContext(ctx, query).Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fact.ErrNotFound
		}
		return nil, fmt.Errorf("get fact %q: %w", digest, err)
	}
	return body, nil
}

func (s *SQLite) Has(ctx context.Context, space, digest string) (bool, error) {
	query, _, err := s.goqu.From(s.tableFacts).
		Select(goqu.L("1")).
		Where(goqu.I("space").Eq(space), goqu.I("digest").Eq(digest)).
		Limit(1).
		ToSQL()
	if err != nil {
		return false, fmt.Errorf("build has query: %w", err)
	}

	var one int
	err = s.db.QueryRowContext(ctx, query).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has fact %q: %w", digest, err)
	}
	return true, nil
}

// ─── fact.AttributeIndex ───

func (s *SQLite) IndexPut(ctx context.Context, space, entity, attribute string, seq uint64, digest string) error {
	query, _, err := s.goqu.Insert(s.tableAttrIndex).Rows(goqu.Record{
		"space":     space,
		"entity":    entity,
		"attribute": attribute,
		"seq":       seq,
		"digest":    digest,
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build index put query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("index put %s/%s@%d: %w", entity, attribute, seq, err)
	}
	return nil
}

func (s *SQLite) IndexAt(ctx context.Context, space, entity, attribute string, seq uint64) (string, error) {
	query, _, err := s.goqu.From(s.tableAttrIndex).
		Select("digest").
		Where(
			goqu.I("space").Eq(space),
			goqu.I("entity").Eq(entity),
			goqu.I("attribute").Eq(attribute),
			goqu.I("seq").Eq(seq),
		).
		ToSQL()
	if err != nil {
		return "", fmt.Errorf("build index at query: %w", err)
	}

	var digest string
	if err := s.db.QueryRowContext(ctx, query).Scan(&digest); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fact.ErrNotFound
		}
		return "", fmt.Errorf("index at %s/%s@%d: %w", entity, attribute, seq, err)
	}
	return digest, nil
}

func (s *SQLite) IndexLatest(ctx context.Context, space, entity, attribute string) (string, uint64, bool, error) {
	query, _, err := s.goqu.From(s.tableAttrIndex).
		Select("digest", "seq").
		Where(
			goqu.I("space").Eq(space),
			goqu.I("entity").Eq(entity),
			goqu.I("attribute").Eq(attribute),
		).
		Order(goqu.I("seq").Desc()).
		Limit(1).
		ToSQL()
	if err != nil {
		return "", 0, false, fmt.Errorf("build index latest query: %w", err)
	}

	var digest string
	var seq uint64
	err = s.db.QueryRowContext(ctx, query).Scan(&digest, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("index latest %s/%s: %w", entity, attribute, err)
	}
	return digest, seq, true, nil
}

func (s *SQLite) IndexAsOf(ctx context.Context, space, entity, attribute string, seq uint64) (string, uint64, bool, error) {
	query, _, err := s.goqu.From(s.tableAttrIndex).
		Select("digest", "seq").
		Where(
			goqu.I("space").Eq(space),
			goqu.I("entity").Eq(entity),
			goqu.I("attribute").Eq(attribute),
			goqu.I("seq").Lte(seq),
		).
		Order(goqu.I("seq").Desc()).
		Limit(1).
		ToSQL()
	if err != nil {
		return "", 0, false, fmt.Errorf("build index as-of query: %w", err)
	}

	var digest string
	var foundSeq uint64
	err = s.db.QueryRowContext(ctx, query).Scan(&digest, &foundSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("index as-of %s/%s@%d: %w", entity, attribute, seq, err)
	}
	return digest, foundSeq, true, nil
}

// ─── branch.Store ───

func (s *SQLite) CreateBranch(ctx context.Context, space, branchName, parent string) error {
	query, _, err := s.goqu.Insert(s.tableBranches).Rows(goqu.Record{
		"space":  space,
		"name":   branchName,
		"parent": parent,
		"closed": 0,
	}).OnConflict(goqu.DoNothing()).ToSQL()
	if err != nil {
		return fmt.Errorf("build create branch query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create branch %q: %w", branchName, err)
	}
	return nil
}

func (s *SQLite) CloseBranch(ctx context.Context, space, branchName string) error {
	query, _, err := s.goqu.Update(s.tableBranches).
		Set(goqu.Record{"closed": 1}).
		Where(goqu.I("space").Eq(space), goqu.I("name").Eq(branchName)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build close branch query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("close branch %q: %w", branchName, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("close branch %q: %w", branchName, branch.ErrBranchNotFound)
	}
	return nil
}

func (s *SQLite) BranchExists(ctx context.Context, space, branchName string) (bool, error) {
	query, _, err := s.goqu.From(s.tableBranches).
		Select(goqu.L("1")).
		Where(goqu.I("space").Eq(space), goqu.I("name").Eq(branchName)).
		Limit(1).
		ToSQL()
	if err != nil {
		return false, fmt.Errorf("build branch exists query: %w", err)
	}

	var one int
	err = s.db.QueryRowContext(ctx, query).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("branch exists %q: %w", branchName, err)
	}
	return true, nil
}

func (s *SQLite) GetHeads(ctx context.Context, space, branchName string) ([]string, error) {
	query, _, err := s.goqu.From(s.tableHeads).
		Select("head").
		Where(goqu.I("space").Eq(space), goqu.I("branch").Eq(branchName)).
		Order(goqu.I("head").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get heads query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("get heads %q: %w", branchName, err)
	}
	defer rows.Close()

	var heads []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan head: %w", err)
		}
		heads = append(heads, h)
	}
	return heads, rows.Err()
}

func (s *SQLite) SetHeads(ctx context.Context, space, branchName string, heads []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set heads transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	delQuery, _, err := s.goqu.Delete(s.tableHeads).
		Where(goqu.I("space").Eq(space), goqu.I("branch").Eq(branchName)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete heads query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, delQuery); err != nil {
		return fmt.Errorf("clear heads %q: %w", branchName, err)
	}

	for _, h := range heads {
		insQuery, _, err := s.goqu.Insert(s.tableHeads).Rows(goqu.Record{
			"space": space, "branch": branchName, "head": h,
		}).ToSQL()
		if err != nil {
			return fmt.Errorf("build insert head query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insQuery); err != nil {
			return fmt.Errorf("set head %q: %w", h, err)
		}
	}

	return tx.Commit()
}

func (s *SQLite) PutChange(ctx context.Context, space, branchName string, ch branch.Change) error {
	deps, err := json.Marshal(ch.Deps)
	if err != nil {
		return fmt.Errorf("marshal deps: %w", err)
	}

	query, _, err := s.goqu.Insert(s.tableChanges).Rows(goqu.Record{
		"space":     space,
		"branch":    branchName,
		"hash":      ch.Hash,
		"actor_id":  ch.ActorID,
		"seq":       ch.Seq,
		"deps":      string(deps),
		"digest":    ch.Digest,
		"timestamp": ch.Timestamp,
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build put change query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("put change %q: %w", ch.Hash, err)
	}
	return nil
}

func (s *SQLite) GetChange(ctx context.Context, space, branchName, hash string) (branch.Change, error) {
	query, _, err := s.goqu.From(s.tableChanges).
		Select("hash", "actor_id", "seq", "deps", "digest", "timestamp").
		Where(goqu.I("space").Eq(space), goqu.I("branch").Eq(branchName), goqu.I("hash").Eq(hash)).
		ToSQL()
	if err != nil {
		return branch.Change{}, fmt.Errorf("build get change query: %w", err)
	}

	var ch branch.Change
	var deps string
	err = s.db.QueryRowContext(ctx, query).Scan(&ch.Hash, &ch.ActorID, &ch.Seq, &deps, &ch.Digest, &ch.Timestamp)
	if err != nil {
		return branch.Change{}, fmt.Errorf("get change %q: not found: %w", hash, err)
	}
	if err := json.Unmarshal([]byte(deps), &ch.Deps); err != nil {
		return branch.Change{}, fmt.Errorf("unmarshal deps for %q: %w", hash, err)
	}
	return ch, nil
}

func (s *SQLite) ListChanges(ctx context.Context, space, branchName string) ([]branch.Change, error) {
	query, _, err := s.goqu.From(s.tableChanges).
		Select("hash", "actor_id", "seq", "deps", "digest", "timestamp").
		Where(goqu.I("space").Eq(space), goqu.I("branch").Eq(branchName)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list changes query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list changes %q: %w", branchName, err)
	}
	defer rows.Close()

	var out []branch.Change
	for rows.Next() {
		var ch branch.Change
		var deps string
		if err := rows.Scan(&ch.Hash, &ch.ActorID, &ch.Seq, &deps, &ch.Digest, &ch.Timestamp); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		if err := json.Unmarshal([]byte(deps), &ch.Deps); err != nil {
			return nil, fmt.Errorf("unmarshal deps for %q: %w", ch.Hash, err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *SQLite) PutChunk(ctx context.Context, space, branchName string, chunk branch.Chunk) error {
	hashes, err := json.Marshal(chunk.ChangeHashes)
	if err != nil {
		return fmt.Errorf("marshal change hashes: %w", err)
	}

	ord, err := s.nextChunkOrd(ctx, space, branchName)
	if err != nil {
		return err
	}

	query, _, err := s.goqu.Insert(s.tableChunks).Rows(goqu.Record{
		"space":         space,
		"branch":        branchName,
		"ord":           ord,
		"chunk_kind":    chunk.Kind.String(),
		"upto_seq":      chunk.UpToSeq,
		"change_hashes": string(hashes),
		"root_hash":     chunk.RootHash,
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build put chunk query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("put chunk: %w", err)
	}
	return nil
}

func (s *SQLite) nextChunkOrd(ctx context.Context, space, branchName string) (int, error) {
	query, _, err := s.goqu.From(s.tableChunks).
		Select(goqu.COUNT("*")).
		Where(goqu.I("space").Eq(space), goqu.I("branch").Eq(branchName)).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build chunk count query: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return count, nil
}

func (s *SQLite) ListChunks(ctx context.Context, space, branchName string) ([]branch.Chunk, error) {
	query, _, err := s.goqu.From(s.tableChunks).
		Select("chunk_kind", "upto_seq", "change_hashes", "root_hash").
		Where(goqu.I("space").Eq(space), goqu.I("branch").Eq(branchName)).
		Order(goqu.I("ord").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list chunks query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list chunks %q: %w", branchName, err)
	}
	defer rows.Close()

	var out []branch.Chunk
	for rows.Next() {
		var kind string
		var chunk branch.Chunk
		var hashes string
		if err := rows.Scan(&kind, &chunk.UpToSeq, &hashes, &chunk.RootHash); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if kind == branch.ChunkFull.String() {
			chunk.Kind = branch.ChunkFull
		} else {
			chunk.Kind = branch.ChunkIncremental
		}
		if err := json.Unmarshal([]byte(hashes), &chunk.ChangeHashes); err != nil {
			return nil, fmt.Errorf("unmarshal change hashes: %w", err)
		}
		out = append(out, chunk)
	}
	return out, rows.Err()
}

// ─── txn.ChainStore ───

func (s *SQLite) LastTxHash(ctx context.Context, space string) (string, error) {
	query, _, err := s.goqu.From(s.tableTxChain).
		Select("tx_hash").
		Where(goqu.I("space").Eq(space)).
		Order(goqu.I("ord").Desc()).
		Limit(1).
		ToSQL()
	if err != nil {
		return "", fmt.Errorf("build last tx hash query: %w", err)
	}

	var hash string
	err = s.db.QueryRowContext(ctx, query).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last tx hash %q: %w", space, err)
	}
	return hash, nil
}

func (s *SQLite) AppendTx(ctx context.Context, space string, rec txn.ChainRecord) error {
	sigs, err := json.Marshal(rec.Signatures)
	if err != nil {
		return fmt.Errorf("marshal signatures: %w", err)
	}

	ord, err := s.nextTxOrd(ctx, space)
	if err != nil {
		return err
	}

	query, _, err := s.goqu.Insert(s.tableTxChain).Rows(goqu.Record{
		"space":        space,
		"ord":          ord,
		"tx_id":        rec.TxID,
		"prev_tx_hash": rec.PrevTxHash,
		"tx_body_hash": rec.TxBodyHash,
		"tx_hash":      rec.TxHash,
		"signatures":   string(sigs),
		"ucan_jwt":     rec.UCANJWT,
		"created_at":   time.Now().UTC().Format(time.RFC3339Nano),
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build append tx query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("append tx %q: %w", rec.TxID, err)
	}
	return nil
}

func (s *SQLite) nextTxOrd(ctx context.Context, space string) (int, error) {
	query, _, err := s.goqu.From(s.tableTxChain).
		Select(goqu.COUNT("*")).
		Where(goqu.I("space").Eq(space)).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build tx count query: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count tx chain: %w", err)
	}
	return count, nil
}

var (
	_ fact.Store     = (*SQLite)(nil)
	_ branch.Store   = (*SQLite)(nil)
	_ txn.ChainStore = (*SQLite)(nil)
)
