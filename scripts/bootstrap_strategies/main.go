// Command bootstrap_strategies seeds DCA strategies on a running kora node from a YAML manifest.
//
// For each plan it funds the input token, approves the engine, encrypts the hook
// parameters through /inputs and registers the strategy. Strategy ids are printed so
// intents can be submitted against them afterwards.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

const callerHeader = "X-Kora-Caller"

// Manifest lists the plans to register for one account.
type Manifest struct {
	Account string `yaml:"account"`
	Token   string `yaml:"token"`
	Deposit string `yaml:"deposit"`
	Plans   []Plan `yaml:"plans"`
}

// Plan is one DCA strategy. Durations are relative to the time the script runs.
type Plan struct {
	Name           string        `yaml:"name"`
	Budget         string        `yaml:"budget"`
	PurchaseAmount string        `yaml:"purchaseAmount"`
	Duration       time.Duration `yaml:"duration"`
	Frequency      time.Duration `yaml:"frequency"`
}

func (p Plan) salt() common.Hash {
	return crypto.Keccak256Hash([]byte(strings.ToLower(strings.TrimSpace(p.Name))))
}

func loadManifest(path string) (Manifest, error) {
	// #nosec G304 -- path is an operator supplied flag
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	if err := m.validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func (m *Manifest) validate() error {
	m.Account = strings.TrimSpace(m.Account)
	if !common.IsHexAddress(m.Account) {
		return fmt.Errorf("account %q is not a hex address", m.Account)
	}
	if strings.TrimSpace(m.Token) == "" {
		m.Token = "eWETH"
	}
	if len(m.Plans) == 0 {
		return errors.New("no plans declared")
	}
	seen := make(map[common.Hash]string, len(m.Plans))
	for i, p := range m.Plans {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("plans[%d]: name required", i)
		}
		if prev, dup := seen[p.salt()]; dup {
			return fmt.Errorf("plans[%d]: name %q collides with %q", i, p.Name, prev)
		}
		seen[p.salt()] = p.Name
		if p.Budget == "" && p.PurchaseAmount == "" && p.Duration <= 0 && p.Frequency <= 0 {
			return fmt.Errorf("plans[%d]: at least one limit required", i)
		}
	}
	return nil
}

type client struct {
	base   string
	http   *http.Client
	caller common.Address
	token  string
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, strings.TrimSpace(e.Body))
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else {
		req.Header.Set(callerHeader, c.caller.Hex())
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return &apiError{Status: resp.StatusCode, Body: string(data)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// waitReady polls /healthz until the node answers.
func (c *client) waitReady(ctx context.Context, maxWait time.Duration) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(maxWait),
	)
	return err
}

type external struct {
	Handle string `json:"handle"`
	Proof  string `json:"proof"`
}

type hookInit struct {
	Kind  string    `json:"kind"`
	Param *external `json:"param"`
}

type hookView struct {
	Kind    string         `json:"kind"`
	Address common.Address `json:"address"`
}

func (c *client) hookAddresses(ctx context.Context) (map[string]common.Address, error) {
	var resp struct {
		Hooks []hookView `json:"hooks"`
	}
	if err := c.do(ctx, http.MethodGet, "/hooks", nil, &resp); err != nil {
		return nil, fmt.Errorf("list hooks: %w", err)
	}
	out := make(map[string]common.Address, len(resp.Hooks))
	for _, h := range resp.Hooks {
		out[h.Kind] = h.Address
	}
	return out, nil
}

func (c *client) encrypt(ctx context.Context, contract common.Address, value string, raw bool) (external, error) {
	req := map[string]any{"contract": contract, "values": []string{value}}
	if raw {
		req["decimals"] = 0
	}
	var resp struct {
		Inputs []external `json:"inputs"`
	}
	if err := c.do(ctx, http.MethodPost, "/inputs", req, &resp); err != nil {
		return external{}, err
	}
	if len(resp.Inputs) != 1 {
		return external{}, fmt.Errorf("expected one input, got %d", len(resp.Inputs))
	}
	return resp.Inputs[0], nil
}

type hookParam struct {
	kind  string
	value string
	raw   bool
}

func (p Plan) params(now time.Time) []hookParam {
	var out []hookParam
	if p.Budget != "" {
		out = append(out, hookParam{kind: "budget", value: p.Budget})
	}
	if p.PurchaseAmount != "" {
		out = append(out, hookParam{kind: "purchase_amount", value: p.PurchaseAmount})
	}
	if p.Duration > 0 {
		out = append(out, hookParam{kind: "timeframe", value: strconv.FormatInt(now.Add(p.Duration).Unix(), 10), raw: true})
	}
	if p.Frequency > 0 {
		out = append(out, hookParam{kind: "frequency", value: strconv.FormatInt(int64(p.Frequency/time.Second), 10), raw: true})
	}
	return out
}

func (c *client) fund(ctx context.Context, m Manifest) error {
	if strings.TrimSpace(m.Deposit) == "" {
		return nil
	}
	path := "/tokens/" + m.Token
	if err := c.do(ctx, http.MethodPost, path+"/deposit", map[string]string{"amount": m.Deposit}, nil); err != nil {
		return fmt.Errorf("deposit: %w", err)
	}
	if err := c.do(ctx, http.MethodPost, path+"/approve", map[string]string{"amount": "max"}, nil); err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	return nil
}

func (c *client) register(ctx context.Context, plan Plan, addrs map[string]common.Address, now time.Time) (common.Hash, error) {
	params := plan.params(now)
	inits := make([]hookInit, 0, len(params))
	for _, p := range params {
		addr, ok := addrs[p.kind]
		if !ok {
			return common.Hash{}, fmt.Errorf("hook %s not deployed", p.kind)
		}
		ext, err := c.encrypt(ctx, addr, p.value, p.raw)
		if err != nil {
			return common.Hash{}, fmt.Errorf("encrypt %s: %w", p.kind, err)
		}
		inits = append(inits, hookInit{Kind: p.kind, Param: &ext})
	}
	var resp struct {
		ID common.Hash `json:"id"`
	}
	req := map[string]any{"salt": plan.salt(), "hooks": inits}
	if err := c.do(ctx, http.MethodPost, "/strategies", req, &resp); err != nil {
		return common.Hash{}, err
	}
	return resp.ID, nil
}

func run(ctx context.Context, c *client, m Manifest, out io.Writer, now time.Time) error {
	addrs, err := c.hookAddresses(ctx)
	if err != nil {
		return err
	}
	if err := c.fund(ctx, m); err != nil {
		return err
	}
	for _, plan := range m.Plans {
		id, err := c.register(ctx, plan, addrs, now)
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
			fmt.Fprintf(out, "%s: already registered\n", plan.Name)
			continue
		}
		if err != nil {
			return fmt.Errorf("plan %s: %w", plan.Name, err)
		}
		fmt.Fprintf(out, "%s: %s\n", plan.Name, id.Hex())
	}
	return nil
}

func main() {
	manifestPath := flag.String("manifest", "strategies.yaml", "Path to the strategy manifest")
	baseURL := flag.String("url", "http://localhost:8880", "Base URL of the kora API")
	token := flag.String("token", os.Getenv("KORA_TOKEN"), "Bearer token; falls back to the caller header when empty")
	wait := flag.Duration("wait", 30*time.Second, "How long to wait for the node to become ready")
	flag.Parse()

	m, err := loadManifest(*manifestPath)
	if err != nil {
		fatal(err)
	}
	c := &client{
		base:   strings.TrimRight(*baseURL, "/"),
		http:   &http.Client{Timeout: 10 * time.Second},
		caller: common.HexToAddress(m.Account),
		token:  strings.TrimSpace(*token),
	}
	ctx := context.Background()
	if err := c.waitReady(ctx, *wait); err != nil {
		fatal(fmt.Errorf("node not ready: %w", err))
	}
	if err := run(ctx, c, m, os.Stdout, time.Now()); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "bootstrap: %v\n", err)
	os.Exit(1)
}
