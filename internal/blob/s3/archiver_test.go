package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

type memWriter struct {
	objects map[string][]byte
	err     error
}

func (m *memWriter) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if m.err != nil {
		return m.err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[path] = b
	return nil
}

type fakeLiquidations struct {
	positions []domain.Position
	gotOpts   domain.ListOpts
}

func (f *fakeLiquidations) ListLiquidated(_ context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	f.gotOpts = opts
	return f.positions, nil
}

type fakeDeposits map[string][]domain.ExtraDeposit

func (f fakeDeposits) ListByPosition(_ context.Context, id string) ([]domain.ExtraDeposit, error) {
	return f[id], nil
}

type fakeAudit struct{ events []string }

func (f *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func TestArchiveLiquidationsWritesDailyJSONL(t *testing.T) {
	liqAt := time.Date(2025, 1, 31, 15, 0, 0, 0, time.UTC)
	bonus := decimal.RequireFromString("36")
	src := &fakeLiquidations{positions: []domain.Position{
		{ID: "p1", Owner: "alice", TokenSymbol: "ETH", Amount: decimal.NewFromInt(2), Multiplier: 3,
			Status: domain.PositionStatusOpened, IsLiquidated: true, LiquidationAt: &liqAt, LiquidationBonus: &bonus},
		{ID: "p2", Owner: "bob", TokenSymbol: "USDC", Amount: decimal.NewFromInt(10), Multiplier: 2,
			Status: domain.PositionStatusClosed, IsLiquidated: true, LiquidationAt: &liqAt},
	}}
	deposits := fakeDeposits{"p1": {{PositionID: "p1", TokenSymbol: "USDC", Amount: decimal.NewFromInt(500)}}}
	w := &memWriter{}
	audit := &fakeAudit{}

	a := NewLiquidationArchiver(w, src, deposits, audit, "")
	n, err := a.ArchiveLiquidations(context.Background(), time.Date(2025, 2, 1, 0, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	require.NotNil(t, src.gotOpts.Since)
	assert.Equal(t, time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC), *src.gotOpts.Since)

	body, ok := w.objects["liquidations/2025/01/31/positions.jsonl"]
	require.True(t, ok, "objects: %v", w.objects)

	var lines []archiveRecord
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var r archiveRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		lines = append(lines, r)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "36", *lines[0].LiquidationBonus)
	require.Len(t, lines[0].Deposits, 1)
	assert.Equal(t, "500", lines[0].Deposits[0].Amount)
	assert.Empty(t, lines[1].Deposits)
	assert.Equal(t, []string{"archive.liquidations"}, audit.events)
}

func TestArchiveLiquidationsNothingToDo(t *testing.T) {
	w := &memWriter{}
	a := NewLiquidationArchiver(w, &fakeLiquidations{}, fakeDeposits{}, nil, "x")
	n, err := a.ArchiveLiquidations(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, w.objects)
}

func TestArchiveLiquidationsUploadError(t *testing.T) {
	liqAt := time.Now()
	src := &fakeLiquidations{positions: []domain.Position{{ID: "p", LiquidationAt: &liqAt}}}
	a := NewLiquidationArchiver(&memWriter{err: errors.New("denied")}, src, fakeDeposits{}, nil, "")
	_, err := a.ArchiveLiquidations(context.Background(), time.Now())
	assert.ErrorContains(t, err, "denied")
}

type fakePutter struct{ in *s3.PutObjectInput }

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	return &s3.PutObjectOutput{}, nil
}

func TestWriterPut(t *testing.T) {
	p := &fakePutter{}
	w := &Writer{client: p, bucket: "archive"}
	require.NoError(t, w.Put(context.Background(), "a/b.jsonl", bytes.NewReader([]byte("{}\n")), "application/x-ndjson"))
	assert.Equal(t, "archive", aws.ToString(p.in.Bucket))
	assert.Equal(t, "a/b.jsonl", aws.ToString(p.in.Key))
	assert.Equal(t, "application/x-ndjson", aws.ToString(p.in.ContentType))
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
}
