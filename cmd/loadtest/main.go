package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Body   string
	Err    error
}

type envelope struct {
	Code  int             `json:"code"`
	Error string          `json:"error"`
	Data  json.RawMessage `json:"data"`
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	adminToken := flag.String("admin-token", "dev-admin-token", "admin token")
	stock := flag.Int64("stock", 20, "stock of the product created for the run")

	// 超卖测试参数：200 个买家并发，每人加购 1 件再下单
	nBuyers := flag.Int("buyers", 200, "distinct buyers")
	concurrency := flag.Int("c", 50, "max concurrency")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}

	productID, err := createProduct(client, *baseURL, *adminToken, *stock)
	if err != nil {
		fmt.Fprintln(os.Stderr, "create product failed:", err)
		os.Exit(1)
	}
	fmt.Printf("start oversell test: product=%d stock=%d buyers=%d concurrency=%d\n", productID, *stock, *nBuyers, *concurrency)

	holds, orders := runBuyers(client, *baseURL, productID, *nBuyers, *concurrency)
	printSummary("hold", holds)
	printSummary("order", orders)

	committed := 0
	for _, r := range orders {
		if r.Err == nil && r.Status == http.StatusOK {
			committed++
		}
	}
	fmt.Printf("committed orders: %d (stock %d)\n", committed, *stock)
	if int64(committed) > *stock {
		fmt.Println("OVERSELL DETECTED")
		os.Exit(2)
	}

	avail, err := available(client, *baseURL, productID)
	if err != nil {
		fmt.Println("available check err:", err)
		return
	}
	fmt.Println("final available:", avail)
}

// runBuyers 每个买家先加购再提交，返回两阶段的结果。
func runBuyers(client *http.Client, baseURL string, productID uint, n, concurrency int) ([]Result, []Result) {
	holds := make([]Result, n)
	orders := make([]Result, n)

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i := 0; i < n; i++ {
		idx := i
		g.Go(func() error {
			actor := fmt.Sprintf("loadtest-buyer-%d-%d", time.Now().Unix(), idx)
			holds[idx] = call(client, http.MethodPost, baseURL+"/api/holds", actor, "", map[string]any{
				"product_id": productID, "quantity": 1, "session_id": actor,
			})
			orders[idx] = call(client, http.MethodPost, baseURL+"/api/orders", actor, "", map[string]any{
				"payment_reference": "pay-" + actor,
				"session_id":        actor,
				"lines":             []map[string]any{{"product_id": productID, "quantity": 1}},
			})
			return nil
		})
	}
	_ = g.Wait()
	return holds, orders
}

func call(client *http.Client, method, url, actor, adminToken string, body any) Result {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, url, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != "" {
		req.Header.Set("X-Actor-ID", actor)
	}
	if adminToken != "" {
		req.Header.Set("X-Admin-Token", adminToken)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return Result{Status: resp.StatusCode, Body: string(b)}
}

var summaryMu sync.Mutex

// printSummary 聚合输出不同状态码分布。
func printSummary(name string, results []Result) {
	summaryMu.Lock()
	defer summaryMu.Unlock()

	count := map[int]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
	}
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range []int{200, 400, 403, 404, 409, 429, 500, 503} {
		if count[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, count[code])
		}
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

func createProduct(client *http.Client, baseURL, adminToken string, stock int64) (uint, error) {
	res := call(client, http.MethodPost, baseURL+"/api/products", "", adminToken, map[string]any{
		"name": "loadtest", "stock": stock, "price": 100,
	})
	if res.Err != nil {
		return 0, res.Err
	}
	if res.Status >= 300 {
		return 0, fmt.Errorf("status=%d body=%s", res.Status, res.Body)
	}
	var env envelope
	if err := json.Unmarshal([]byte(res.Body), &env); err != nil {
		return 0, err
	}
	var p struct {
		ID uint `json:"id"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return 0, err
	}
	return p.ID, nil
}

// available 查询压测结束后的可售数量。
func available(client *http.Client, baseURL string, productID uint) (int64, error) {
	res := call(client, http.MethodGet, fmt.Sprintf("%s/api/products/%d/available", baseURL, productID), "", "", nil)
	if res.Err != nil {
		return 0, res.Err
	}
	if res.Status >= 300 {
		return 0, fmt.Errorf("status=%d body=%s", res.Status, res.Body)
	}
	var env envelope
	if err := json.Unmarshal([]byte(res.Body), &env); err != nil {
		return 0, err
	}
	var out struct {
		Available int64 `json:"available"`
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return 0, err
	}
	return out.Available, nil
}
