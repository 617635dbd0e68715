// Package smartconnect is a Go client for Angel One's SmartAPI broker
// gateway: session login, instrument master and quote retrieval, and
// order placement.
//
// Usage example:
//
//	sc := smartconnect.NewSmartConnect(smartconnect.Config{APIKey: "your_api_key", Debug: true})
//	user, err := sc.GenerateSession(ctx, "CLIENTID", "PASSWORD", "TOTP")
//	if err != nil { log.Fatal(err) }
//	fmt.Println("Logged in as:", user["data"].(map[string]any)["clientcode"])
//	orderID, err := sc.PlaceOrder(ctx, map[string]any{
//	    "variety": "NORMAL", "tradingsymbol": "SBIN-EQ", "symboltoken": "3045", "transactiontype": "BUY",
//	    "exchange": "NSE", "ordertype": "MARKET", "producttype": "INTRADAY", "duration": "DAY", "quantity": 1,
//	})
//	if err != nil { log.Fatal(err) }
//	fmt.Println("Order ID:", orderID)
package smartconnect

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"regexp"
	"strings"
	"time"
)

// ---- Config & client ----

type Config struct {
	APIKey       string
	AccessToken  string
	RefreshToken string
	FeedToken    string
	UserID       string

	RootURL        string // default: https://apiconnect.angelone.in
	LoginURL       string // default: https://smartapi.angelone.in/publisher-login
	Debug          bool
	Timeout        time.Duration // default: 30s (requestTimeout)
	ProxyURL       string        // optional HTTP proxy URL
	DisableSSL     bool          // if true, InsecureSkipVerify
	Accept         string        // default: application/json
	UserType       string        // default: USER
	SourceID       string        // default: WEB
	ClientPublicIP string        // default resolved, else 106.193.147.98 (as in Python finally)
	ClientLocalIP  string        // default resolved, else 127.0.0.1
	ClientMAC      string        // default from interface MAC
}

type SmartConnect struct {
	apiKey       string
	accessToken  string
	refreshToken string
	feedToken    string
	userID       string

	rootURL  string
	loginURL string
	debug    bool
	timeout  time.Duration

	httpClient *http.Client

	// header fields
	accept   string
	userType string
	sourceID string

	clientPublicIP string
	clientLocalIP  string
	clientMAC      string

	// Optional callback for 403 TokenException
	SessionExpiryHook func()
}

const (
	defaultRoot  = "https://apiconnect.angelone.in"
	defaultLogin = "https://smartapi.angelone.in/publisher-login"

	// connectTimeout bounds TCP+TLS handshake; requestTimeout is the
	// default client timeout for a full round trip, and the context
	// deadline applied when the caller's context carries none.
	connectTimeout = 10 * time.Second
	requestTimeout = 30 * time.Second
)

var routes = map[string]string{
	"api.login":        "/rest/auth/angelbroking/user/v1/loginByPassword",
	"api.logout":       "/rest/secure/angelbroking/user/v1/logout",
	"api.token":        "/rest/auth/angelbroking/jwt/v1/generateTokens",
	"api.refresh":      "/rest/auth/angelbroking/jwt/v1/generateTokens",
	"api.user.profile": "/rest/secure/angelbroking/user/v1/getProfile",

	"api.order.place": "/rest/secure/angelbroking/order/v1/placeOrder",

	"api.instruments": "/instruments/instrument",
	"api.quote":       "/rest/secure/angelbroking/market/v1/quote",
}

// quoteModes maps the spec's three market-data operations onto the
// single getMarketData endpoint's "mode" discriminator.
var quoteModes = map[string]string{
	"full": "FULL",
	"ltp":  "LTP",
	"ohlc": "OHLC",
}

func GetPublicIP() (string, error) {
	resp, err := http.Get("https://api.ipify.org?format=text")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	ip, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(ip), nil
}

// GetLocalIP finds your local IP address
func GetLocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}

	for _, address := range addrs {
		// Check if it's an IP address and not a loopback
		if ipNet, ok := address.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String(), nil
			}
		}
	}
	return "", fmt.Errorf("no local IP found")
}

// NewSmartConnect initializes the client and sets up logging & TLS similar to Python version.
func NewSmartConnect(cfg Config) *SmartConnect {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	if cfg.LoginURL == "" {
		cfg.LoginURL = defaultLogin
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = requestTimeout
	}
	if cfg.Accept == "" {
		cfg.Accept = "application/json"
	}
	if cfg.UserType == "" {
		cfg.UserType = "USER"
	}
	if cfg.SourceID == "" {
		cfg.SourceID = "WEB"
	}
	localIP, err := GetLocalIP()
	if err != nil {
		log.Printf("Error getting local IP: %v", err)
	}
	publicIP, err := GetPublicIP()
	if err != nil {
		log.Printf("Error getting public IP: %v", err)
	}

	// Resolve defaults similar to Python finally block
	if cfg.ClientPublicIP == "" || cfg.ClientLocalIP == "" {
		// Try resolve; if fail, use hard-coded fallbacks
		cfg.ClientPublicIP = firstNonEmpty(publicIP, "106.193.147.98")
		cfg.ClientLocalIP = firstNonEmpty(localIP, "127.0.0.1")
	}
	if cfg.ClientMAC == "" {
		cfg.ClientMAC = getMACFallback()
	}

	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.DisableSSL, // mirrors Python's verify=not disable_ssl (unsafe)
		},
		DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
	}
	if cfg.ProxyURL != "" {
		if purl, err := url.Parse(cfg.ProxyURL); err == nil {
			tr.Proxy = http.ProxyURL(purl)
		}
	}
	fmt.Println("Local IP:", localIP)
	fmt.Println("Public IP:", publicIP)
	client := &http.Client{Transport: tr, Timeout: cfg.Timeout}

	// Set up date-based log file logs/YYYY-MM-DD/app.log
	logDir := path.Join("logs", time.Now().Format("2006-01-02"))
	_ = os.MkdirAll(logDir, 0o755)
	logPath := path.Join(logDir, "app.log")
	if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
		log.SetOutput(f)
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	return &SmartConnect{
		apiKey:         cfg.APIKey,
		accessToken:    cfg.AccessToken,
		refreshToken:   cfg.RefreshToken,
		feedToken:      cfg.FeedToken,
		userID:         cfg.UserID,
		rootURL:        strings.TrimRight(cfg.RootURL, "/"),
		loginURL:       cfg.LoginURL,
		debug:          cfg.Debug,
		timeout:        cfg.Timeout,
		httpClient:     client,
		accept:         cfg.Accept,
		userType:       cfg.UserType,
		sourceID:       cfg.SourceID,
		clientPublicIP: cfg.ClientPublicIP,
		clientLocalIP:  cfg.ClientLocalIP,
		clientMAC:      cfg.ClientMAC,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func getMACFallback() string {
	// Get a MAC-ish fallback based on interfaces
	ifs, _ := net.Interfaces()
	for _, ifc := range ifs {
		if len(ifc.HardwareAddr) > 0 {
			return ifc.HardwareAddr.String()
		}
	}
	// Fallback to a pseudo-UUID-like MAC
	re := regexp.MustCompile("..")
	b := []byte("001122334455")
	parts := re.FindAll(b, -1)
	s := make([]string, 0, len(parts))
	for _, p := range parts {
		s = append(s, string(p))
	}
	return strings.Join(s, ":")
}

// ---- Helpers ----

func (sc *SmartConnect) requestHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", sc.accept)
	h.Set("Accept", sc.accept)
	h.Set("X-ClientLocalIP", sc.clientLocalIP)
	h.Set("X-ClientPublicIP", sc.clientPublicIP)
	h.Set("X-MACAddress", sc.clientMAC)
	h.Set("X-PrivateKey", sc.apiKey)
	h.Set("X-UserType", sc.userType)
	h.Set("X-SourceID", sc.sourceID)
	if sc.accessToken != "" {
		h.Set("Authorization", "Bearer "+sc.accessToken)
	}
	return h
}

func (sc *SmartConnect) buildURL(route string) (string, error) {
	uri, ok := routes[route]
	if !ok {
		return "", fmt.Errorf("unknown route: %s", route)
	}
	return sc.rootURL + uri, nil
}

func (sc *SmartConnect) doRequest(ctx context.Context, method, route string, params map[string]any) (map[string]any, []byte, int, error) {
	fullURL, err := sc.buildURL(route)
	if err != nil {
		return nil, nil, 0, err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout)
		defer cancel()
	}

	var body io.Reader
	reqURL := fullURL

	if method == http.MethodGet || method == http.MethodDelete {
		if len(params) > 0 {
			q := url.Values{}
			for k, v := range params {
				q.Set(k, toString(v))
			}
			if strings.Contains(reqURL, "?") {
				reqURL += "&" + q.Encode()
			} else {
				reqURL += "?" + q.Encode()
			}
		}
	} else {
		if params == nil {
			params = map[string]any{}
		}
		b, _ := json.Marshal(params)
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, nil, 0, err
	}
	req.Header = sc.requestHeaders()

	if sc.debug {
		log.Printf("Request: %s %s params=%v headers=%v", method, reqURL, params, req.Header)
	}

	resp, err := sc.httpClient.Do(req)
	if err != nil {
		log.Printf("HTTP error: %s %s err=%v", method, reqURL, err)
		return nil, nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, resp.StatusCode, err
	}

	if sc.debug {
		log.Printf("Response: code=%d body=%s", resp.StatusCode, string(raw))
	}

	// Expect JSON for application/json
	var out map[string]any
	if strings.Contains(sc.accept, "json") {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, raw, resp.StatusCode, fmt.Errorf("couldn't parse JSON response: %w", err)
		}
		// Handle API error style: {"error_type": "TokenException", "message": "..."}
		if et, ok := out["error_type"].(string); ok && et != "" {
			if sc.SessionExpiryHook != nil && resp.StatusCode == http.StatusForbidden && et == "TokenException" {
				sc.SessionExpiryHook()
			}
			msg, _ := out["message"].(string)
			return out, raw, resp.StatusCode, fmt.Errorf("%s: %s", et, msg)
		}
		// If status==false, log error but still return body to caller (mirror Python)
		if st, ok := out["status"].(bool); ok && !st {
			msg, _ := out["message"].(string)
			log.Printf("API request failed: %s %s status=false message=%s resp=%s", method, reqURL, msg, string(raw))
		}
		return out, raw, resp.StatusCode, nil
	}

	// CSV or others
	return map[string]any{"raw": string(raw)}, raw, resp.StatusCode, nil
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// ---- Public helpers (aliases) ----

func (sc *SmartConnect) get(ctx context.Context, route string, params map[string]any) (map[string]any, error) {
	m, _, _, err := sc.doRequest(ctx, http.MethodGet, route, params)
	return m, err
}
func (sc *SmartConnect) post(ctx context.Context, route string, params map[string]any) (map[string]any, error) {
	m, _, _, err := sc.doRequest(ctx, http.MethodPost, route, params)
	return m, err
}

// ---- Setters/Getters ----

func (sc *SmartConnect) SetUserID(id string)      { sc.userID = id }
func (sc *SmartConnect) GetUserID() string        { return sc.userID }
func (sc *SmartConnect) SetAccessToken(t string)  { sc.accessToken = t }
func (sc *SmartConnect) SetRefreshToken(t string) { sc.refreshToken = t }
func (sc *SmartConnect) SetFeedToken(t string)    { sc.feedToken = t }
func (sc *SmartConnect) GetFeedToken() string     { return sc.feedToken }
func (sc *SmartConnect) LoginURL() string {
	return fmt.Sprintf("%s?api_key=%s", sc.loginURL, sc.apiKey)
}

// ---- Session ----

// GenerateSession logs in with clientCode/password/totp, stores the
// resulting tokens on sc, and returns the profile payload.
func (sc *SmartConnect) GenerateSession(ctx context.Context, clientCode, password, totp string) (map[string]any, error) {
	params := map[string]any{"clientcode": clientCode, "password": password, "totp": totp}
	res, err := sc.post(ctx, "api.login", params)
	if err != nil {
		return res, err
	}

	st, _ := res["status"].(bool)
	if !st {
		return res, errors.New("login failed")
	}
	data, ok := res["data"].(map[string]any)
	if !ok {
		return res, errors.New("unexpected login response format")
	}

	jwtToken, _ := data["jwtToken"].(string)
	refreshToken, _ := data["refreshToken"].(string)
	feedToken, _ := data["feedToken"].(string)

	sc.SetAccessToken(jwtToken)
	sc.SetRefreshToken(refreshToken)
	sc.SetFeedToken(feedToken)

	user, err := sc.GetProfile(ctx, refreshToken)
	if err != nil {
		return user, err
	}

	if udata, ok := user["data"].(map[string]any); ok {
		if cc, _ := udata["clientcode"].(string); cc != "" {
			sc.SetUserID(cc)
		}
		udata["jwtToken"] = "Bearer " + jwtToken
		udata["refreshToken"] = refreshToken
		udata["feedToken"] = feedToken
		user["data"] = udata
	}

	return user, nil
}

// TerminateSession logs out clientCode, invalidating the current session.
func (sc *SmartConnect) TerminateSession(ctx context.Context, clientCode string) (map[string]any, error) {
	return sc.post(ctx, "api.logout", map[string]any{"clientcode": clientCode})
}

// RenewAccessToken exchanges the stored refresh token for a new JWT
// and sets the returned tokens on sc.
func (sc *SmartConnect) RenewAccessToken(ctx context.Context) (map[string]any, error) {
	res, err := sc.post(ctx, "api.refresh", map[string]any{
		"jwtToken":     sc.accessToken,
		"refreshToken": sc.refreshToken,
	})
	if err != nil {
		return res, err
	}

	tokenSet := map[string]any{}
	if data, ok := res["data"].(map[string]any); ok {
		if jwt, _ := data["jwtToken"].(string); jwt != "" {
			tokenSet["jwtToken"] = jwt
			sc.SetAccessToken(jwt)
		}
		if rt, _ := data["refreshToken"].(string); rt != "" {
			tokenSet["refreshToken"] = rt
			sc.SetRefreshToken(rt)
		}
	}
	tokenSet["clientcode"] = sc.userID
	return tokenSet, nil
}

func (sc *SmartConnect) GetProfile(ctx context.Context, refreshToken string) (map[string]any, error) {
	return sc.get(ctx, "api.user.profile", map[string]any{"refreshToken": refreshToken})
}

// ---- Orders ----

// PlaceOrder submits an order and returns the broker's order id — the
// external broker collaborator a live scan run routes candidates to.
func (sc *SmartConnect) PlaceOrder(ctx context.Context, params map[string]any) (string, error) {
	cleanNil(params)
	res, err := sc.post(ctx, "api.order.place", params)
	if err != nil {
		return "", err
	}
	st, _ := res["status"].(bool)
	if !st {
		return "", fmt.Errorf("place order failed: %v", res)
	}
	if data, ok := res["data"].(map[string]any); ok {
		if oid, _ := data["orderid"].(string); oid != "" {
			return oid, nil
		}
	}
	return "", fmt.Errorf("invalid response format: %v", res)
}

// ---- Market data ----

// Instruments fetches the exchange's full instrument master as a raw
// CSV byte slice, the wire format the instrument store parses.
func (sc *SmartConnect) Instruments(ctx context.Context) ([]byte, error) {
	_, raw, status, err := sc.doRequest(ctx, http.MethodGet, "api.instruments", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("instruments fetch: unexpected status %d", status)
	}
	return raw, nil
}

// Quote fetches FULL/OHLC/LTP market data for exchangeTokens (a map
// of exchange -> []symboltoken) depending on mode ("full", "ohlc",
// "ltp").
func (sc *SmartConnect) Quote(ctx context.Context, mode string, exchangeTokens map[string][]string) (map[string]any, error) {
	apiMode, ok := quoteModes[mode]
	if !ok {
		return nil, fmt.Errorf("unknown quote mode: %s", mode)
	}
	params := map[string]any{"mode": apiMode, "exchangeTokens": exchangeTokens}
	return sc.post(ctx, "api.quote", params)
}

// ---- Utils ----

func cleanNil(m map[string]any) {
	for k, v := range m {
		if v == nil {
			delete(m, k)
		}
	}
}
