package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/astraly-labs/pragma-node/internal/admission"
	"github.com/astraly-labs/pragma-node/internal/oracle"
)

// PublishEntry handles POST /data/publish_entry.
func (h *Handlers) PublishEntry(w http.ResponseWriter, r *http.Request) {
	var batch admission.SpotBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		WriteError(w, r, oracle.InvalidInput("malformed body: %v", err))
		return
	}
	res, err := h.Pipeline.SubmitSpot(r.Context(), batch)
	if err != nil {
		h.Metrics.BatchesRejected.WithLabelValues(string(oracle.KindOf(err))).Inc()
		WriteError(w, r, err)
		return
	}
	h.Metrics.EntriesAdmitted.WithLabelValues(batch.Publisher, "spot-entry").Add(float64(res.Count))
	WriteJSON(w, http.StatusCreated, res)
}

// PublishFutureEntry handles POST /data/publish_future_entry.
func (h *Handlers) PublishFutureEntry(w http.ResponseWriter, r *http.Request) {
	var batch admission.FutureBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		WriteError(w, r, oracle.InvalidInput("malformed body: %v", err))
		return
	}
	res, err := h.Pipeline.SubmitFuture(r.Context(), batch)
	if err != nil {
		h.Metrics.BatchesRejected.WithLabelValues(string(oracle.KindOf(err))).Inc()
		WriteError(w, r, err)
		return
	}
	h.Metrics.EntriesAdmitted.WithLabelValues(batch.Publisher, "future-entry").Add(float64(res.Count))
	WriteJSON(w, http.StatusCreated, res)
}

type aggregateResponse struct {
	PairID     string             `json:"pair_id"`
	Price      string             `json:"price"`
	Timestamp  int64              `json:"timestamp"`
	Interval   oracle.Interval    `json:"interval"`
	NumSources int                `json:"num_sources"`
	Aggregation oracle.Aggregation `json:"aggregation"`
	Components []componentView    `json:"components,omitempty"`
}

type componentView struct {
	Source         string `json:"source"`
	Value          string `json:"value"`
	SubBucketStart int64  `json:"sub_bucket_start"`
}

func toAggregateResponse(b oracle.Bucket, agg oracle.Aggregation) aggregateResponse {
	out := aggregateResponse{
		PairID:      b.PairID,
		Price:       b.Value.String(),
		Timestamp:   b.Start.UnixMilli(),
		Interval:    b.Width,
		NumSources:  b.NumSources,
		Aggregation: agg,
	}
	for _, c := range b.Components {
		out.Components = append(out.Components, componentView{
			Source:         c.Source,
			Value:          c.Value.String(),
			SubBucketStart: c.SubBucketStart.UnixMilli(),
		})
	}
	return out
}

// GetAggregate handles GET /data/{base}/{quote}: a point query at the given
// (or current) instant.
func (h *Handlers) GetAggregate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pointDeadline)
	defer cancel()
	start := time.Now()
	defer func() { h.Metrics.QuerySeconds.WithLabelValues("data").Observe(time.Since(start).Seconds()) }()

	vars := mux.Vars(r)
	pair, err := oracle.NewPair(vars["base"], vars["quote"])
	if err != nil {
		WriteError(w, r, err)
		return
	}
	q := r.URL.Query()
	agg, err := oracle.ParseAggregation(q.Get("aggregation"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	entryType, err := oracle.ParseEntryType(q.Get("entry_type"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	var width oracle.Interval
	if s := q.Get("interval"); s != "" {
		if width, err = oracle.ParseInterval(s); err != nil {
			WriteError(w, r, err)
			return
		}
	}
	at := time.Now().UTC()
	if s := q.Get("timestamp"); s != "" {
		if at, err = parseTimestampMs(s); err != nil {
			WriteError(w, r, err)
			return
		}
	}

	var bucket oracle.Bucket
	if strings.EqualFold(q.Get("routing"), "true") {
		bucket, err = h.Engine.AtRouted(ctx, pair, agg, width, at, entryType)
	} else {
		bucket, err = h.Engine.At(ctx, pair, agg, width, at, entryType)
	}
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, toAggregateResponse(bucket, agg))
}

// GetHistory handles GET /data/{base}/{quote}/history: a range query,
// optionally split into store reads of chunk_interval span.
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), rangeDeadline)
	defer cancel()
	start := time.Now()
	defer func() { h.Metrics.QuerySeconds.WithLabelValues("history").Observe(time.Since(start).Seconds()) }()

	vars := mux.Vars(r)
	pair, err := oracle.NewPair(vars["base"], vars["quote"])
	if err != nil {
		WriteError(w, r, err)
		return
	}
	q := r.URL.Query()
	from, to, err := parseRange(q.Get("timestamp"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	width, err := oracle.ParseInterval(q.Get("interval"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	agg, err := oracle.ParseAggregation(q.Get("aggregation"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	entryType, err := oracle.ParseEntryType(q.Get("entry_type"))
	if err != nil {
		WriteError(w, r, err)
		return
	}

	chunk := to.Sub(from)
	if s := q.Get("chunk_interval"); s != "" {
		ci, err := oracle.ParseInterval(s)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if ci.Duration() < width.Duration() {
			WriteError(w, r, oracle.InvalidInput("chunk_interval smaller than interval"))
			return
		}
		chunk = ci.Duration()
	}

	var buckets []oracle.Bucket
	for cur := from; cur.Before(to); cur = cur.Add(chunk) {
		end := cur.Add(chunk)
		if end.After(to) {
			end = to
		}
		part, err := h.Engine.Range(ctx, pair, agg, width, cur, end, entryType)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		buckets = append(buckets, part...)
	}

	out := make([]aggregateResponse, len(buckets))
	for i, b := range buckets {
		out[i] = toAggregateResponse(b, agg)
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"pair_id":  pair.String(),
		"interval": width,
		"history":  out,
	})
}

type candleView struct {
	Time  int64  `json:"time"`
	Open  string `json:"open"`
	High  string `json:"high"`
	Low   string `json:"low"`
	Close string `json:"close"`
}

// GetOHLC handles GET /data/{base}/{quote}/ohlc.
func (h *Handlers) GetOHLC(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), rangeDeadline)
	defer cancel()
	start := time.Now()
	defer func() { h.Metrics.QuerySeconds.WithLabelValues("ohlc").Observe(time.Since(start).Seconds()) }()

	vars := mux.Vars(r)
	pair, err := oracle.NewPair(vars["base"], vars["quote"])
	if err != nil {
		WriteError(w, r, err)
		return
	}
	q := r.URL.Query()
	from, to, err := parseRange(q.Get("timestamp"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	width, err := oracle.ParseInterval(q.Get("interval"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	entryType, err := oracle.ParseEntryType(q.Get("entry_type"))
	if err != nil {
		WriteError(w, r, err)
		return
	}

	candles, err := h.Engine.OHLC(ctx, pair, width, from, to, entryType)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	out := make([]candleView, len(candles))
	for i, c := range candles {
		out[i] = candleView{
			Time:  c.Start.UnixMilli(),
			Open:  c.Open.String(),
			High:  c.High.String(),
			Low:   c.Low.String(),
			Close: c.Close.String(),
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"pair_id":  pair.String(),
		"interval": width,
		"data":     out,
	})
}

// parseRange parses the "from,to" millisecond pair. A single value reads
// from that instant to now.
func parseRange(s string) (time.Time, time.Time, error) {
	if s == "" {
		return time.Time{}, time.Time{}, oracle.InvalidInput("timestamp range is required")
	}
	parts := strings.SplitN(s, ",", 2)
	from, err := parseTimestampMs(strings.TrimSpace(parts[0]))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to := time.Now().UTC()
	if len(parts) == 2 {
		if to, err = parseTimestampMs(strings.TrimSpace(parts[1])); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, oracle.InvalidInput("timestamp range is empty")
	}
	return from, to, nil
}
