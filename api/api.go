// Package api is a thin HTTP translator over the node's read and
// write APIs. It holds no state of its own.
package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/moshvm/mvm/core"
	"github.com/moshvm/mvm/core/block"
	"github.com/moshvm/mvm/utils/address"

	"github.com/gin-gonic/gin"
	"github.com/libp2p/go-reuseport"
	"go.uber.org/zap"
)

type Server struct {
	r   *gin.Engine
	c   *core.ChainNode
	log *zap.Logger
}

func NewServer(c *core.ChainNode, log *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{r: gin.New(), c: c, log: log}
	s.r.Use(gin.Recovery())

	s.r.GET("/status", s.getStatus)
	s.r.GET("/block/latest", s.getLatestBlock)
	s.r.GET("/block/:height", s.getBlock)
	s.r.GET("/blocks/recent", s.getRecentBlocks)
	s.r.GET("/mempool", s.getMempool)
	s.r.GET("/tx/:hash", s.getTx)
	s.r.GET("/txs/:addr", s.getTxsByAddress)
	s.r.GET("/nonce/:addr", s.getNonce)
	s.r.GET("/nonce/:addr/pending", s.getPendingNonce)
	s.r.GET("/wallet/new", s.newWallet)
	s.r.GET("/account/:addr", s.getAccount)

	s.r.GET("/tokens", s.getTokens)
	s.r.GET("/token/:addr", s.getToken)
	s.r.GET("/token/:addr/balance/:holder", s.getTokenBalance)
	s.r.GET("/token/:addr/holders", s.getTokenHolders)
	s.r.GET("/tokens/by-creator/:addr", s.getTokensByCreator)
	s.r.GET("/tokens/by-holder/:addr", s.getTokensByHolder)

	s.r.GET("/contracts", s.getContracts)
	s.r.GET("/contract/:addr", s.getContract)
	s.r.GET("/contract/:addr/mbi", s.getMBI)
	s.r.GET("/contract/:addr/var/:name", s.getContractVar)
	s.r.GET("/contract/:addr/map/:name", s.getContractMap)
	s.r.GET("/contract/:addr/map/:name/:key", s.getContractMapEntry)
	s.r.GET("/contract/:addr/events", s.getContractEvents)
	s.r.POST("/contract/:addr/call", s.viewCall)

	s.r.GET("/leaderboard", s.getLeaderboard)

	s.r.POST("/tx", s.submitTx)
	s.r.POST("/tx/sign", s.signTx)
	s.r.POST("/faucet/:addr", s.faucet)

	s.r.GET("/ws", s.handleWS)
	return s
}

// Run blocks serving HTTP on addr.
func (s *Server) Run(addr string) error {
	ln, err := reuseport.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.log.Info("api listening", zap.String("addr", addr))
	return http.Serve(ln, s.r)
}

func ok(c *gin.Context, kv gin.H) {
	out := gin.H{"success": true}
	for k, v := range kv {
		out[k] = v
	}
	c.JSON(200, out)
}

func fail(c *gin.Context, err error) {
	c.JSON(200, gin.H{"success": false, "error": errCode(err)})
}

func (s *Server) addrParam(c *gin.Context, name string) (block.AddressType, bool) {
	a, err := address.Parse(c.Param(name))
	if err != nil {
		fail(c, err)
		return a, false
	}
	return a, true
}

func (s *Server) getStatus(c *gin.Context) {
	st, err := s.c.Status()
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{
		"chain_id":            st.ChainID,
		"height":              st.Height,
		"latest_timestamp_ms": st.LatestTs,
		"authority":           address.Encode(st.Authority),
		"pending_txs":         st.Pending,
	})
}

func (s *Server) getBlock(c *gin.Context) {
	height, err := strconv.ParseUint(c.Param("height"), 10, 64)
	if err != nil {
		fail(c, err)
		return
	}
	b, err := s.c.GetBlock(height)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"block": wireFromBlock(b)})
}

func (s *Server) getLatestBlock(c *gin.Context) {
	b, err := s.c.LatestBlock()
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"block": wireFromBlock(b)})
}

func (s *Server) getRecentBlocks(c *gin.Context) {
	n, _ := strconv.Atoi(c.DefaultQuery("n", "10"))
	if n <= 0 || n > 100 {
		n = 10
	}
	bs, err := s.c.RecentBlocks(n)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]*wireBlock, 0, len(bs))
	for _, b := range bs {
		out = append(out, wireFromBlock(b))
	}
	ok(c, gin.H{"blocks": out})
}

func (s *Server) getMempool(c *gin.Context) {
	txs := s.c.MempoolSnapshot()
	out := make([]*WireTx, 0, len(txs))
	for _, tx := range txs {
		out = append(out, wireFromTx(tx))
	}
	ok(c, gin.H{"pending": out})
}

func (s *Server) getTx(c *gin.Context) {
	h, err := block.ParseHash(c.Param("hash"))
	if err != nil {
		fail(c, err)
		return
	}
	tx, err := s.c.GetTx(h)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"tx": wireStored(tx)})
}

func (s *Server) getTxsByAddress(c *gin.Context) {
	a, good := s.addrParam(c, "addr")
	if !good {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	txs, err := s.c.TxsByAddress(a, limit)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]*wireStoredTx, 0, len(txs))
	for _, tx := range txs {
		out = append(out, wireStored(tx))
	}
	ok(c, gin.H{"txs": out})
}

func (s *Server) getNonce(c *gin.Context) {
	a, good := s.addrParam(c, "addr")
	if !good {
		return
	}
	n, err := s.c.Nonce(a)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"nonce": n})
}

func (s *Server) getPendingNonce(c *gin.Context) {
	a, good := s.addrParam(c, "addr")
	if !good {
		return
	}
	n, err := s.c.PendingNonce(a)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"pending_nonce": n})
}

func (s *Server) newWallet(c *gin.Context) {
	pub, priv := block.GenKeyPair(rand.Reader)
	ok(c, gin.H{
		"address":     address.Encode(block.DeriveAddress(pub)),
		"public_key":  hex.EncodeToString(pub[:]),
		"private_key": hex.EncodeToString(priv[:]),
	})
}

func (s *Server) getAccount(c *gin.Context) {
	a, good := s.addrParam(c, "addr")
	if !good {
		return
	}
	acc, err := s.c.GetAccount(a)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{
		"address": c.Param("addr"),
		"balance": acc.Balance.String(),
		"nonce":   acc.Nonce,
	})
}

func (s *Server) getTokens(c *gin.Context) {
	ts, err := s.c.Tokens()
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]*wireToken, 0, len(ts))
	for _, t := range ts {
		out = append(out, wireFromToken(t))
	}
	ok(c, gin.H{"tokens": out})
}

func (s *Server) getToken(c *gin.Context) {
	a, good := s.addrParam(c, "addr")
	if !good {
		return
	}
	t, err := s.c.GetToken(a)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"token": wireFromToken(t)})
}

func (s *Server) getTokenBalance(c *gin.Context) {
	t, good := s.addrParam(c, "addr")
	if !good {
		return
	}
	h, good := s.addrParam(c, "holder")
	if !good {
		return
	}
	bal, err := s.c.TokenBalance(t, h)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"balance": bal.String()})
}

func (s *Server) getTokenHolders(c *gin.Context) {
	t, good := s.addrParam(c, "addr")
	if !good {
		return
	}
	holders, err := s.c.TokenHolders(t)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(holders))
	for _, h := range holders {
		out = append(out, gin.H{"address": address.Encode(h.Address), "balance": h.Balance.String()})
	}
	ok(c, gin.H{"holders": out})
}

func (s *Server) getTokensByCreator(c *gin.Context) {
	a, good := s.addrParam(c, "addr")
	if !good {
		return
	}
	ts, err := s.c.TokensByCreator(a)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]*wireToken, 0, len(ts))
	for _, t := range ts {
		out = append(out, wireFromToken(t))
	}
	ok(c, gin.H{"tokens": out})
}

func (s *Server) getTokensByHolder(c *gin.Context) {
	a, good := s.addrParam(c, "addr")
	if !good {
		return
	}
	hs, err := s.c.TokensByHolder(a)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(hs))
	for _, h := range hs {
		out = append(out, gin.H{"token": wireFromToken(h.Token), "balance": h.Balance.String()})
	}
	ok(c, gin.H{"holdings": out})
}

func (s *Server) getContracts(c *gin.Context) {
	cs, err := s.c.Contracts()
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"contracts": cs})
}

func (s *Server) getContract(c *gin.Context) {
	a, good := s.addrParam(c, "addr")
	if !good {
		return
	}
	ct, err := s.c.GetContract(a)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"contract": ct})
}

func (s *Server) getMBI(c *gin.Context) {
	a, good := s.addrParam(c, "addr")
	if !good {
		return
	}
	m, err := s.c.ContractMBI(a)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"mbi": m})
}

func (s *Server) getContractVar(c *gin.Context) {
	a, good := s.addrParam(c, "addr")
	if !good {
		return
	}
	v, found, err := s.c.ContractVar(a, c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"value": v, "found": found})
}

func (s *Server) getContractMapEntry(c *gin.Context) {
	a, good := s.addrParam(c, "addr")
	if !good {
		return
	}
	v, found, err := s.c.ContractMapEntry(a, c.Param("name"), c.Param("key"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"key": c.Param("key"), "value": v, "found": found})
}

func (s *Server) getContractMap(c *gin.Context) {
	a, good := s.addrParam(c, "addr")
	if !good {
		return
	}
	entries, err := s.c.ContractMapEntries(a, c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"entries": entries})
}

func (s *Server) getContractEvents(c *gin.Context) {
	a, good := s.addrParam(c, "addr")
	if !good {
		return
	}
	evs, err := s.c.ContractEvents(a)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(evs))
	for _, e := range evs {
		out = append(out, gin.H{
			"contract":     address.Encode(e.Contract),
			"block_height": e.BlockHeight,
			"tx_hash":      e.TxHash.String(),
			"event_name":   e.Name,
			"args":         e.Args,
			"log_index":    e.LogIndex,
		})
	}
	ok(c, gin.H{"events": out})
}

// viewCall runs a free read: no signature, no gas, no nonce.
func (s *Server) viewCall(c *gin.Context) {
	a, good := s.addrParam(c, "addr")
	if !good {
		return
	}
	var body struct {
		Method string   `json:"method"`
		Args   []string `json:"args"`
		Caller string   `json:"caller"`
	}
	if err := c.BindJSON(&body); err != nil {
		fail(c, err)
		return
	}
	v, err := s.c.ViewCall(a, body.Method, body.Args, body.Caller)
	if err != nil {
		fail(c, err)
		return
	}
	if v == nil {
		ok(c, gin.H{"result": nil})
		return
	}
	ok(c, gin.H{"result": v.Canon(), "type": v.T})
}

func (s *Server) getLeaderboard(c *gin.Context) {
	lb, err := s.c.Leaderboard()
	if err != nil {
		fail(c, err)
		return
	}
	balances := make([]gin.H, 0, len(lb.TopBalances))
	for _, b := range lb.TopBalances {
		balances = append(balances, gin.H{"address": address.Encode(b.Address), "balance": b.Balance.String()})
	}
	activity := make([]gin.H, 0, len(lb.TopActivity))
	for _, e := range lb.TopActivity {
		activity = append(activity, gin.H{"address": address.Encode(e.Address), "count": e.Count})
	}
	ok(c, gin.H{"top_balances": balances, "top_activity": activity})
}

func (s *Server) submitTx(c *gin.Context) {
	var w WireTx
	if err := c.BindJSON(&w); err != nil {
		fail(c, err)
		return
	}
	tx, err := w.toTx()
	if err != nil {
		fail(c, err)
		return
	}
	h, err := s.c.SubmitTx(tx)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"hash": h.String()})
}

// signTx is a server-side convenience: it signs but never submits.
func (s *Server) signTx(c *gin.Context) {
	var body struct {
		PrivateKey string          `json:"private_key"`
		Kind       string          `json:"kind"`
		Nonce      uint64          `json:"nonce"`
		To         string          `json:"to"`
		Value      string          `json:"value"`
		Data       json.RawMessage `json:"data"`
	}
	if err := c.BindJSON(&body); err != nil {
		fail(c, err)
		return
	}
	raw, err := hex.DecodeString(body.PrivateKey)
	if err != nil || len(raw) != block.PrivkeyLen {
		fail(c, block.ErrBadSignature)
		return
	}
	var priv block.PrivkeyType
	copy(priv[:], raw)
	kind, err := block.ParseTxKind(body.Kind)
	if err != nil {
		fail(c, err)
		return
	}
	tx := &block.Transaction{Kind: kind, Nonce: body.Nonce}
	if body.To != "" {
		to, err := address.Parse(body.To)
		if err != nil {
			fail(c, err)
			return
		}
		tx.To = &to
	}
	if body.Value != "" {
		v, err := block.ParseAmount(body.Value)
		if err != nil {
			fail(c, err)
			return
		}
		tx.Value = v
	}
	if len(body.Data) > 0 {
		tx.Data = []byte(body.Data)
	}
	tx.Sign(priv)
	ok(c, gin.H{"tx": wireFromTx(tx), "hash": tx.Hash().String()})
}

func (s *Server) faucet(c *gin.Context) {
	a, good := s.addrParam(c, "addr")
	if !good {
		return
	}
	h, err := s.c.Faucet(a)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"hash": h.String()})
}
