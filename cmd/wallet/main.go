package main

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/moshvm/mvm/core/block"
	"github.com/moshvm/mvm/utils/address"

	"github.com/chzyer/readline"
)

var rpcURL = "http://127.0.0.1:8545"

func main() {
	args := os.Args[1:]
	if len(args) > 1 && args[0] == "--rpc" {
		rpcURL = args[1]
		args = args[2:]
	}
	if len(args) == 0 {
		fmt.Println("usage: wallet [--rpc url] <gen|show|transfer|create-token|transfer-token|call|shell> ...")
		return
	}
	if args[0] == "shell" {
		shell()
		return
	}
	if err := runOp(args); err != nil {
		fmt.Printf("error: %v\n", err)
		os.Exit(1)
	}
}

func shell() {
	rl, err := readline.New("mvm> ")
	if err != nil {
		panic(err)
	}
	defer rl.Close()
	for {
		line, err := rl.Readline()
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "exit" || fields[0] == "quit" {
			return
		}
		if err := runOp(fields); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func runOp(args []string) error {
	switch args[0] {
	case "gen":
		pub, priv := block.GenKeyPair(rand.Reader)
		fmt.Printf("address: %s\n", address.Encode(block.DeriveAddress(pub)))
		fmt.Printf("privkey: %x\n", priv[:])
		return nil
	case "show":
		priv, err := parsePriv(args[1])
		if err != nil {
			return err
		}
		addr := addrOf(priv)
		fmt.Printf("address: %s\n", addr)
		var res struct {
			Success bool   `json:"success"`
			Error   string `json:"error"`
			Balance string `json:"balance"`
			Nonce   uint64 `json:"nonce"`
		}
		if err := getJSON("/account/"+addr, &res); err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("%s", res.Error)
		}
		fmt.Printf("balance: %s\nnonce: %d\n", res.Balance, res.Nonce)
		return nil
	case "transfer":
		// transfer <privhex> <to> <amount>
		priv, err := parsePriv(args[1])
		if err != nil {
			return err
		}
		to, err := address.Parse(args[2])
		if err != nil {
			return err
		}
		value, err := block.ParseAmount(args[3])
		if err != nil {
			return err
		}
		tx := &block.Transaction{Kind: block.TxTransfer, To: &to, Value: value}
		return signAndSubmit(priv, tx)
	case "create-token":
		// create-token <privhex> <name> <symbol> <supply>
		priv, err := parsePriv(args[1])
		if err != nil {
			return err
		}
		supply, err := block.ParseAmount(args[4])
		if err != nil {
			return err
		}
		data, _ := json.Marshal(block.CreateTokenData{Name: args[2], Symbol: args[3], TotalSupply: supply})
		tx := &block.Transaction{Kind: block.TxCreateToken, Data: data}
		return signAndSubmit(priv, tx)
	case "transfer-token":
		// transfer-token <privhex> <token> <to> <amount>
		priv, err := parsePriv(args[1])
		if err != nil {
			return err
		}
		amount, err := block.ParseAmount(args[4])
		if err != nil {
			return err
		}
		data, _ := json.Marshal(block.TransferTokenData{Token: args[2], To: args[3], Amount: amount})
		tx := &block.Transaction{Kind: block.TxTransferToken, Data: data}
		return signAndSubmit(priv, tx)
	case "call":
		// call <privhex> <contract> <method> [args...]
		priv, err := parsePriv(args[1])
		if err != nil {
			return err
		}
		data, _ := json.Marshal(block.CallContractData{Contract: args[2], Method: args[3], Args: args[4:]})
		tx := &block.Transaction{Kind: block.TxCallContract, Data: data}
		return signAndSubmit(priv, tx)
	}
	return fmt.Errorf("unknown op %q", args[0])
}

func parsePriv(s string) (block.PrivkeyType, error) {
	var priv block.PrivkeyType
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != block.PrivkeyLen {
		return priv, fmt.Errorf("privkey must be %d hex bytes", block.PrivkeyLen)
	}
	copy(priv[:], raw)
	return priv, nil
}

func addrOf(priv block.PrivkeyType) string {
	var pub block.PubkeyType
	copy(pub[:], priv[32:])
	return address.Encode(block.DeriveAddress(pub))
}

func signAndSubmit(priv block.PrivkeyType, tx *block.Transaction) error {
	addr := addrOf(priv)
	var nres struct {
		Success      bool   `json:"success"`
		Error        string `json:"error"`
		PendingNonce uint64 `json:"pending_nonce"`
	}
	if err := getJSON("/nonce/"+addr+"/pending", &nres); err != nil {
		return err
	}
	if !nres.Success {
		return fmt.Errorf("%s", nres.Error)
	}
	tx.Nonce = nres.PendingNonce
	tx.Sign(priv)

	body := map[string]any{
		"kind":       tx.Kind.String(),
		"from":       addr,
		"nonce":      tx.Nonce,
		"value":      tx.Value.String(),
		"signature":  hex.EncodeToString(tx.Signature[:]),
		"public_key": hex.EncodeToString(tx.PublicKey[:]),
	}
	if tx.To != nil {
		body["to"] = address.Encode(*tx.To)
	}
	if len(tx.Data) > 0 {
		body["data"] = json.RawMessage(tx.Data)
	}
	var sres struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
		Hash    string `json:"hash"`
	}
	if err := postJSON("/tx", body, &sres); err != nil {
		return err
	}
	if !sres.Success {
		return fmt.Errorf("%s", sres.Error)
	}
	fmt.Printf("submitted: %s\n", sres.Hash)
	return nil
}

func getJSON(path string, out any) error {
	resp, err := http.Get(rpcURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func postJSON(path string, in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	resp, err := http.Post(rpcURL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}
