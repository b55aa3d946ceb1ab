package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/astraly-labs/pragma-node/internal/merkle"
	"github.com/astraly-labs/pragma-node/internal/oracle"
)

// ListPublishers handles GET /node/publishers.
func (h *Handlers) ListPublishers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pointDeadline)
	defer cancel()

	publishers, err := h.Store.ListPublishers(ctx)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	type view struct {
		Name           string `json:"name"`
		AccountAddress string `json:"account_address"`
		ActiveKey      string `json:"active_key"`
		SpotSources    int    `json:"nb_spot_sources"`
		FutureSources  int    `json:"nb_future_sources"`
	}
	out := make([]view, len(publishers))
	for i, p := range publishers {
		out[i] = view{
			Name:           p.Name,
			AccountAddress: p.AccountAddress,
			ActiveKey:      p.ActiveKey,
			SpotSources:    p.SpotSources,
			FutureSources:  p.FutureSources,
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"publishers": out})
}

// parseBlock reads network and block query params. "pending" (or absence)
// selects the pending sentinel.
func parseBlock(r *http.Request) (network string, block uint64, err error) {
	q := r.URL.Query()
	network = q.Get("network")
	if network == "" {
		return "", 0, oracle.InvalidInput("network is required")
	}
	blockStr := q.Get("block")
	if blockStr == "" || blockStr == "pending" {
		return network, merkle.PendingBlock, nil
	}
	block, perr := strconv.ParseUint(blockStr, 10, 64)
	if perr != nil {
		return "", 0, oracle.InvalidInput("malformed block %q", blockStr)
	}
	return network, block, nil
}

type proofView struct {
	Instrument  string   `json:"instrument"`
	Price       string   `json:"price"`
	LeafHash    string   `json:"leaf_hash"`
	MerkleRoot  string   `json:"merkle_root"`
	LeafIndex   int      `json:"leaf_index"`
	MerkleProof []string `json:"merkle_proof"`
	BlockNumber uint64   `json:"block_number"`
}

func toProofView(p merkle.Proof, block uint64) proofView {
	out := proofView{
		Instrument:  p.Option.Instrument,
		Price:       p.Option.Price.String(),
		LeafHash:    "0x" + p.Leaf.Text(16),
		MerkleRoot:  "0x" + p.Root.Text(16),
		LeafIndex:   p.Index,
		BlockNumber: block,
	}
	for _, step := range p.Path {
		out.MerkleProof = append(out.MerkleProof, "0x"+step.Hash.Text(16))
	}
	return out
}

// GetOptionWithProof handles GET /node/merkle_feeds/options/{instrument}.
func (h *Handlers) GetOptionWithProof(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pointDeadline)
	defer cancel()
	start := time.Now()
	defer func() { h.Metrics.QuerySeconds.WithLabelValues("merkle_options").Observe(time.Since(start).Seconds()) }()

	network, block, err := parseBlock(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	instrument := mux.Vars(r)["instrument"]

	// The redis-backed lookup answers existence and price cheaply before
	// a whole tree is built for the proof.
	if h.Options != nil {
		if _, err := h.Options.Get(ctx, network, block, instrument); err != nil {
			WriteError(w, r, err)
			return
		}
	}

	proof, err := h.Merkle.GetProof(ctx, network, block, instrument)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, toProofView(proof, proof.Option.BlockNumber))
}

// GetProofByHash handles GET /node/merkle_feeds/proof/{option_hash}.
func (h *Handlers) GetProofByHash(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pointDeadline)
	defer cancel()

	network, block, err := parseBlock(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	proof, err := h.Merkle.GetProofByLeafHash(ctx, network, block, mux.Vars(r)["option_hash"])
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, toProofView(proof, proof.Option.BlockNumber))
}

// GetFundingRate handles GET /node/funding_rate/{base}/{quote}.
func (h *Handlers) GetFundingRate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pointDeadline)
	defer cancel()

	pair, err := oracle.NewPair(mux.Vars(r)["base"], mux.Vars(r)["quote"])
	if err != nil {
		WriteError(w, r, err)
		return
	}
	rates, err := h.Store.LatestFundingRates(ctx, pair.String())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if len(rates) == 0 {
		WriteError(w, r, oracle.NotFound("no funding rates for %s", pair))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"pair": pair.String(), "rates": rates})
}

// GetFundingRateHistory handles GET /node/funding_rate/{base}/{quote}/history.
func (h *Handlers) GetFundingRateHistory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), rangeDeadline)
	defer cancel()

	pair, err := oracle.NewPair(mux.Vars(r)["base"], mux.Vars(r)["quote"])
	if err != nil {
		WriteError(w, r, err)
		return
	}
	from, to, err := parseRange(r.URL.Query().Get("timestamp"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	rates, err := h.Store.FundingRateHistory(ctx, pair.String(), from, to)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"pair": pair.String(), "history": rates})
}

// GetFundingRateInstruments handles GET /node/funding_rate/instruments.
func (h *Handlers) GetFundingRateInstruments(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pointDeadline)
	defer cancel()

	pairs, err := h.Store.FundingRateInstruments(ctx)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"instruments": pairs})
}

// GetOpenInterest handles GET /node/open_interest/{base}/{quote}.
func (h *Handlers) GetOpenInterest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pointDeadline)
	defer cancel()

	pair, err := oracle.NewPair(mux.Vars(r)["base"], mux.Vars(r)["quote"])
	if err != nil {
		WriteError(w, r, err)
		return
	}
	obs, err := h.Store.LatestOpenInterest(ctx, pair.String())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if len(obs) == 0 {
		WriteError(w, r, oracle.NotFound("no open interest for %s", pair))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"pair": pair.String(), "open_interest": obs})
}

// GetOpenInterestHistory handles GET /node/open_interest/{base}/{quote}/history.
func (h *Handlers) GetOpenInterestHistory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), rangeDeadline)
	defer cancel()

	pair, err := oracle.NewPair(mux.Vars(r)["base"], mux.Vars(r)["quote"])
	if err != nil {
		WriteError(w, r, err)
		return
	}
	from, to, err := parseRange(r.URL.Query().Get("timestamp"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	obs, err := h.Store.OpenInterestHistory(ctx, pair.String(), from, to)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"pair": pair.String(), "history": obs})
}

// Health handles GET /health: liveness plus store/redis readiness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"store": "ok", "redis": "ok", "bus": "ok"}
	status := http.StatusOK
	if err := h.Store.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if h.RedisPing != nil {
		if err := h.RedisPing(ctx); err != nil {
			checks["redis"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	} else {
		checks["redis"] = "not configured"
	}
	if h.BusPing != nil {
		if err := h.BusPing(ctx); err != nil {
			checks["bus"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	WriteJSON(w, status, map[string]any{"status": statusWord(status), "checks": checks})
}

func statusWord(status int) string {
	if status == http.StatusOK {
		return "healthy"
	}
	return "degraded"
}
