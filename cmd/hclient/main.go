// Command hclient stands in for the report collector spec.md §1
// describes as sitting outside the helper cluster: it secret-shares a
// batch of plaintext values, seals one sealed record per helper via
// internal/reportcrypt, drives a query through the three helpers'
// public Query API over plain HTTPS, and reconstructs the revealed
// output. Grounded in the teacher's cli/cosi main.go shape (a small
// urfave/cli tool dialing a cothority over the network and printing a
// result), generalized from cosi's signature-request round trip to
// IPA's create/input/status/results sequence.
package main

import (
	"bytes"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/urfave/cli/v2"

	"github.com/dedis/ipa-helper/internal/field"
	"github.com/dedis/ipa-helper/internal/model"
	"github.com/dedis/ipa-helper/internal/queryproc"
	"github.com/dedis/ipa-helper/internal/reportcrypt"
	"github.com/dedis/ipa-helper/internal/share"
)

// HelperEndpoint is one entry of the collector's view of the cluster: an
// address to POST to and the box public key sealing that helper's input
// shares (no TLS client certificate; the Query API takes none).
type HelperEndpoint struct {
	Identity  string `toml:"identity"`
	Address   string `toml:"address"`
	BoxPubHex string `toml:"box_pub_hex"`
}

// CollectorToml is hclient's own small config, deliberately separate
// from internal/config.HelperToml since a collector never dials the H2H
// API and so never needs TLS client material.
type CollectorToml struct {
	Leader             string           `toml:"leader"`
	Helpers            []HelperEndpoint `toml:"helper"`
	CAFile             string           `toml:"ca_file"`
	InsecureSkipVerify bool             `toml:"insecure_skip_verify"`
}

func main() {
	app := &cli.App{
		Name:  "hclient",
		Usage: "drive one IPA query end to end as the report collector would",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Required: true, Usage: "path to collector.toml"},
			&cli.StringFlag{Name: "type", Value: string(model.QueryTypeTestFpSum), Usage: "query type: test-boolean-and, test-fp-sum, ipa"},
			&cli.StringFlag{Name: "field", Value: string(model.FieldFp31), Usage: "field kind: fp31, fp32bit"},
			&cli.UintFlag{Name: "width", Value: 1, Usage: "vector width"},
			&cli.StringFlag{Name: "values", Required: true, Usage: "comma-separated plaintext lane values, N*width of them"},
			&cli.DurationFlag{Name: "poll", Value: 200 * time.Millisecond, Usage: "status poll interval"},
			&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second, Usage: "how long to wait for a terminal state"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	var cc CollectorToml
	if _, err := toml.DecodeFile(c.String("config"), &cc); err != nil {
		return fmt.Errorf("hclient: reading config: %w", err)
	}
	if len(cc.Helpers) != 3 {
		return fmt.Errorf("hclient: config must list exactly 3 helpers, got %d", len(cc.Helpers))
	}

	httpClient, err := buildHTTPClient(cc)
	if err != nil {
		return err
	}

	f, err := resolveField(c.String("field"))
	if err != nil {
		return err
	}
	width := c.Uint("width")
	values, err := parseValues(c.String("values"))
	if err != nil {
		return err
	}
	if len(values)%int(width) != 0 {
		return fmt.Errorf("hclient: %d values does not divide evenly into width %d", len(values), width)
	}
	n := uint32(len(values) / int(width))

	ra, _, leaderAddr, err := resolveCluster(cc)
	if err != nil {
		return err
	}

	cfg := model.QueryConfig{
		Type:        model.QueryType(c.String("type")),
		N:           n,
		Field:       model.FieldKind(c.String("field")),
		VectorWidth: uint32(width),
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("hclient: %w", err)
	}

	qid, err := createQuery(httpClient, leaderAddr, cfg)
	if err != nil {
		return err
	}
	fmt.Printf("hclient: query %s created\n", qid)

	sharesByRole, err := dealValues(f, values)
	if err != nil {
		return err
	}
	if err := postInputs(httpClient, cc, ra, qid, int(width), sharesByRole); err != nil {
		return err
	}
	fmt.Println("hclient: input delivered to all three helpers")

	state, err := awaitTerminal(httpClient, leaderAddr, qid, c.Duration("poll"), c.Duration("timeout"))
	if err != nil {
		return err
	}
	if state != model.StateCompleted {
		return fmt.Errorf("hclient: query ended in state %s", state)
	}

	out, err := fetchAndReveal(httpClient, cc, ra, f, qid)
	if err != nil {
		return err
	}
	for i, v := range out {
		fmt.Printf("hclient: output[%d] = %v\n", i, v)
	}
	return nil
}

func resolveField(kind string) (field.Field, error) {
	switch model.FieldKind(kind) {
	case model.FieldFp31:
		return field.Fp31, nil
	case model.FieldFp32Prime:
		return field.Fp32BitPrime, nil
	default:
		return nil, fmt.Errorf("hclient: unsupported field kind %q for a plaintext CLI submission", kind)
	}
}

func parseValues(raw string) ([]uint64, error) {
	parts := strings.Split(raw, ",")
	out := make([]uint64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("hclient: bad value %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func buildHTTPClient(cc CollectorToml) (*http.Client, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cc.InsecureSkipVerify}
	if cc.CAFile != "" {
		pem, err := os.ReadFile(cc.CAFile)
		if err != nil {
			return nil, fmt.Errorf("hclient: reading ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("hclient: no certificates found in %s", cc.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	return &http.Client{Transport: &http.Transport{TLSClientConfig: tlsConfig}}, nil
}

// resolveCluster mirrors model.AssignRoles so the collector knows, for
// each helper, which ring Role its shares belong under (spec.md §3
// "leader identity sorts first, remaining two follow in identity
// order"), plus each helper's box public key and network address.
func resolveCluster(cc CollectorToml) (model.RoleAssignment, map[model.Role]reportcrypt.PublicKey, string, error) {
	var followers []model.HelperIdentity
	byIdentity := make(map[model.HelperIdentity]HelperEndpoint, len(cc.Helpers))
	for _, h := range cc.Helpers {
		byIdentity[model.HelperIdentity(h.Identity)] = h
		if h.Identity != cc.Leader {
			followers = append(followers, model.HelperIdentity(h.Identity))
		}
	}
	ra, err := model.AssignRoles(model.HelperIdentity(cc.Leader), followers)
	if err != nil {
		return model.RoleAssignment{}, nil, "", fmt.Errorf("hclient: %w", err)
	}

	boxPub := make(map[model.Role]reportcrypt.PublicKey, 3)
	for _, role := range model.AllRoles {
		id, ok := ra.IdentityOf(role)
		if !ok {
			return model.RoleAssignment{}, nil, "", fmt.Errorf("hclient: role %s unassigned", role)
		}
		h, ok := byIdentity[id]
		if !ok {
			return model.RoleAssignment{}, nil, "", fmt.Errorf("hclient: no endpoint configured for %q", id)
		}
		pub, err := decodeBoxPub(h.BoxPubHex)
		if err != nil {
			return model.RoleAssignment{}, nil, "", err
		}
		boxPub[role] = pub
	}

	leader, ok := byIdentity[model.HelperIdentity(cc.Leader)]
	if !ok {
		return model.RoleAssignment{}, nil, "", fmt.Errorf("hclient: leader %q not present in helper list", cc.Leader)
	}
	return ra, boxPub, leader.Address, nil
}

func decodeBoxPub(hexStr string) (reportcrypt.PublicKey, error) {
	var pub reportcrypt.PublicKey
	buf, err := hex.DecodeString(hexStr)
	if err != nil || len(buf) != reportcrypt.KeySize {
		return pub, fmt.Errorf("hclient: box_pub_hex must be %d hex-encoded bytes", reportcrypt.KeySize)
	}
	copy(pub[:], buf)
	return pub, nil
}

func createQuery(c *http.Client, leaderAddr string, cfg model.QueryConfig) (model.QueryId, error) {
	url := fmt.Sprintf("https://%s/query", leaderAddr)
	resp, err := c.Post(url, "application/octet-stream", bytes.NewReader(cfg.Encode()))
	if err != nil {
		return model.QueryId{}, fmt.Errorf("hclient: create: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return model.QueryId{}, fmt.Errorf("hclient: create returned %s: %s", resp.Status, body)
	}
	return model.UnmarshalQueryId(body)
}

// dealValues secret-shares every plaintext lane value with a fresh
// trusted-dealer draw (internal/share.Deal), indexed [role][record*width+lane].
func dealValues(f field.Field, values []uint64) (map[model.Role][]share.Replicated, error) {
	out := map[model.Role][]share.Replicated{model.H1: nil, model.H2: nil, model.H3: nil}
	for _, v := range values {
		elt, err := elementFromUint64(f, v)
		if err != nil {
			return nil, err
		}
		shares, err := share.Deal(f, elt, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("hclient: dealing value %d: %w", v, err)
		}
		for i, role := range model.AllRoles {
			out[role] = append(out[role], shares[i])
		}
	}
	return out, nil
}

func elementFromUint64(f field.Field, v uint64) (field.Element, error) {
	buf := make([]byte, f.ByteLen())
	for i := range buf {
		buf[i] = byte(v)
		v >>= 8
	}
	return f.FromBytes(buf)
}

func postInputs(c *http.Client, cc CollectorToml, ra model.RoleAssignment, qid model.QueryId, width int, sharesByRole map[model.Role][]share.Replicated) error {
	byIdentity := make(map[model.HelperIdentity]HelperEndpoint, len(cc.Helpers))
	boxPub := make(map[model.HelperIdentity]reportcrypt.PublicKey, len(cc.Helpers))
	for _, h := range cc.Helpers {
		byIdentity[model.HelperIdentity(h.Identity)] = h
		pub, err := decodeBoxPub(h.BoxPubHex)
		if err != nil {
			return err
		}
		boxPub[model.HelperIdentity(h.Identity)] = pub
	}

	for _, role := range model.AllRoles {
		id, ok := ra.IdentityOf(role)
		if !ok {
			return fmt.Errorf("hclient: role %s unassigned", role)
		}
		h := byIdentity[id]
		lanes := sharesByRole[role]
		if len(lanes)%width != 0 {
			return fmt.Errorf("hclient: %d lanes does not divide evenly into width %d", len(lanes), width)
		}
		records := make([][]byte, 0, len(lanes)/width)
		for i := 0; i < len(lanes); i += width {
			var rec []byte
			for _, s := range lanes[i : i+width] {
				rec = append(rec, s.Encode()...)
			}
			ct, err := reportcrypt.Seal(boxPub[id], rec)
			if err != nil {
				return fmt.Errorf("hclient: sealing record for %s: %w", id, err)
			}
			records = append(records, ct)
		}
		body := queryproc.EncodeInputBody(records)
		url := fmt.Sprintf("https://%s/query/%s/input", h.Address, encodeQueryID(qid))
		resp, err := c.Post(url, "application/octet-stream", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("hclient: posting input to %s: %w", id, err)
		}
		msg, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("hclient: input to %s returned %s: %s", id, resp.Status, msg)
		}
	}
	return nil
}

func awaitTerminal(c *http.Client, leaderAddr string, qid model.QueryId, poll, timeout time.Duration) (model.State, error) {
	deadline := time.Now().Add(timeout)
	url := fmt.Sprintf("https://%s/query/%s/status", leaderAddr, encodeQueryID(qid))
	for time.Now().Before(deadline) {
		resp, err := c.Get(url)
		if err != nil {
			return model.StateEmpty, fmt.Errorf("hclient: status: %w", err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		switch resp.Header.Get("X-Query-State") {
		case model.StateCompleted.String():
			return model.StateCompleted, nil
		case model.StateFailed.String():
			return model.StateFailed, nil
		}
		time.Sleep(poll)
	}
	return model.StateEmpty, fmt.Errorf("hclient: query did not reach a terminal state within %s", timeout)
}

func fetchAndReveal(c *http.Client, cc CollectorToml, ra model.RoleAssignment, f field.Field, qid model.QueryId) ([]uint64, error) {
	laneWidth := 2 * f.ByteLen()
	byIdentity := make(map[model.HelperIdentity]HelperEndpoint, len(cc.Helpers))
	for _, h := range cc.Helpers {
		byIdentity[model.HelperIdentity(h.Identity)] = h
	}

	perRole := make(map[model.Role][]byte, 3)
	for _, role := range model.AllRoles {
		id, ok := ra.IdentityOf(role)
		if !ok {
			return nil, fmt.Errorf("hclient: role %s unassigned", role)
		}
		h := byIdentity[id]
		url := fmt.Sprintf("https://%s/query/%s/results", h.Address, encodeQueryID(qid))
		resp, err := c.Get(url)
		if err != nil {
			return nil, fmt.Errorf("hclient: results from %s: %w", id, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("hclient: results from %s returned %s: %s", id, resp.Status, body)
		}
		perRole[role] = body
	}

	count := len(perRole[model.H1]) / laneWidth
	out := make([]uint64, count)
	for i := 0; i < count; i++ {
		var triple [3]share.Replicated
		for _, role := range model.AllRoles {
			buf := perRole[role]
			if (i+1)*laneWidth > len(buf) {
				return nil, fmt.Errorf("hclient: results from %s too short for lane %d", role, i)
			}
			r, err := share.Decode(f, buf[i*laneWidth:(i+1)*laneWidth])
			if err != nil {
				return nil, fmt.Errorf("hclient: decoding lane %d from %s: %w", i, role, err)
			}
			triple[roleIndex(role)] = r
		}
		elt, err := share.Reveal(triple)
		if err != nil {
			return nil, fmt.Errorf("hclient: revealing lane %d: %w", i, err)
		}
		v, ok := field.Uint64(elt)
		if !ok {
			return nil, fmt.Errorf("hclient: lane %d is not a prime-field element", i)
		}
		out[i] = v
	}
	return out, nil
}

func roleIndex(role model.Role) int {
	for i, r := range model.AllRoles {
		if r == role {
			return i
		}
	}
	panic("hclient: unknown role " + string(role))
}

func encodeQueryID(qid model.QueryId) string {
	b, _ := qid.MarshalBinary()
	return base64.RawURLEncoding.EncodeToString(b)
}
