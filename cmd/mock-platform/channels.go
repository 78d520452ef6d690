package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

const (
	catalogOrders = 120
	shopifyPrefix = "/admin/api/2024-07"
	wooPrefix     = "/wp-json/wc/v3"
)

var skus = []struct {
	sku, title string
	price      float64
}{
	{"TSHIRT-BLK-M", "Black Tee M", 499},
	{"TSHIRT-WHT-L", "White Tee L", 499},
	{"HOODIE-GRY-M", "Grey Hoodie M", 1299},
	{"CAP-NVY", "Navy Cap", 349},
}

type mockOrder struct {
	id       int64
	number   string
	at       time.Time
	cod      bool
	sku      int
	quantity int
	phone    string
}

func (o mockOrder) total() float64 { return skus[o.sku].price * float64(o.quantity) }

// catalog generates the same orders for a given epoch so paging is stable
// between calls.
func catalog(epoch time.Time) []mockOrder {
	out := make([]mockOrder, catalogOrders)
	for i := range out {
		out[i] = mockOrder{
			id:       int64(5000 + i),
			number:   strconv.Itoa(1001 + i),
			at:       epoch.Add(-time.Duration(catalogOrders-i) * 10 * time.Minute),
			cod:      i%3 == 0,
			sku:      i % len(skus),
			quantity: 1 + i%3,
			phone:    fmt.Sprintf("98%08d", 10000000+i),
		}
	}
	return out
}

// page slices orders updated at or after since.
func page(orders []mockOrder, since time.Time, pageNo, size int) (items []mockOrder, total int) {
	var match []mockOrder
	for _, o := range orders {
		if !o.at.Before(since) {
			match = append(match, o)
		}
	}
	if size <= 0 {
		size = 50
	}
	total = (len(match) + size - 1) / size
	start := (pageNo - 1) * size
	if start >= len(match) || start < 0 {
		return nil, total
	}
	end := min(start+size, len(match))
	return match[start:end], total
}

type stock struct {
	mu     sync.Mutex
	levels map[string]int
}

func (s *stock) set(key string, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.levels == nil {
		s.levels = map[string]int{}
	}
	s.levels[key] = qty
}

func (s *server) registerChannels(r *mux.Router) {
	epoch := time.Now().UTC().Truncate(time.Hour)
	orders := catalog(epoch)
	inv := &stock{}

	// Shopify
	shop := r.PathPrefix(shopifyPrefix).Subrouter()
	shop.HandleFunc("/shop.json", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"shop": map[string]any{"id": 1, "name": "Mock Store", "currency": "INR"}})
	}).Methods(http.MethodGet)
	shop.HandleFunc("/orders.json", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		size, _ := strconv.Atoi(q.Get("limit"))
		// page_info carries the page number and the original filter.
		pageNo, since := 1, time.Time{}
		if pi := q.Get("page_info"); pi != "" {
			vals, err := url.ParseQuery(pi)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"errors": "invalid page_info"})
				return
			}
			pageNo, _ = strconv.Atoi(vals.Get("p"))
			since, _ = time.Parse(time.RFC3339, vals.Get("since"))
		} else if v := q.Get("updated_at_min"); v != "" {
			since, _ = time.Parse(time.RFC3339, v)
		}
		items, total := page(orders, since, max(pageNo, 1), size)
		if pageNo < total {
			next := url.Values{"p": {strconv.Itoa(max(pageNo, 1) + 1)}, "since": {since.Format(time.RFC3339)}}
			link := fmt.Sprintf("http://%s%s/orders.json?limit=%d&page_info=%s", r.Host, shopifyPrefix, size, url.QueryEscape(next.Encode()))
			w.Header().Set("Link", fmt.Sprintf(`<%s>; rel="next"`, link))
		}
		out := make([]map[string]any, 0, len(items))
		for _, o := range items {
			out = append(out, shopifyOrder(o))
		}
		writeJSON(w, http.StatusOK, map[string]any{"orders": out})
	}).Methods(http.MethodGet)
	shop.HandleFunc("/inventory_levels/set.json", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			LocationID      int64 `json:"location_id"`
			InventoryItemID int64 `json:"inventory_item_id"`
			Available       int   `json:"available"`
		}
		if err := decodeJSON(r, &body); err != nil || body.InventoryItemID == 0 {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"errors": "inventory_item_id is required"})
			return
		}
		inv.set("shopify:"+strconv.FormatInt(body.InventoryItemID, 10), body.Available)
		writeJSON(w, http.StatusOK, map[string]any{"inventory_level": body})
	}).Methods(http.MethodPost)

	// WooCommerce
	woo := r.PathPrefix(wooPrefix).Subrouter()
	woo.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		size, _ := strconv.Atoi(q.Get("per_page"))
		pageNo, _ := strconv.Atoi(q.Get("page"))
		since, _ := time.Parse(time.RFC3339, q.Get("modified_after"))
		items, total := page(orders, since, max(pageNo, 1), size)
		w.Header().Set("X-WP-TotalPages", strconv.Itoa(total))
		out := make([]map[string]any, 0, len(items))
		for _, o := range items {
			out = append(out, wooOrder(o))
		}
		writeJSON(w, http.StatusOK, out)
	}).Methods(http.MethodGet)
	woo.HandleFunc("/products", func(w http.ResponseWriter, r *http.Request) {
		sku := r.URL.Query().Get("sku")
		for i, p := range skus {
			if p.sku == sku {
				writeJSON(w, http.StatusOK, []map[string]any{{"id": 700 + i, "sku": p.sku}})
				return
			}
		}
		writeJSON(w, http.StatusOK, []any{})
	}).Methods(http.MethodGet)
	woo.HandleFunc("/products/{id:[0-9]+}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			StockQuantity int `json:"stock_quantity"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"code": "rest_invalid_json"})
			return
		}
		id := mux.Vars(r)["id"]
		inv.set("woocommerce:"+id, body.StockQuantity)
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "stock_quantity": body.StockQuantity})
	}).Methods(http.MethodPut)
}

func shopifyOrder(o mockOrder) map[string]any {
	p := skus[o.sku]
	gateway, financial := "razorpay", "paid"
	if o.cod {
		gateway, financial = "Cash on Delivery (COD)", "pending"
	}
	return map[string]any{
		"id":                    o.id,
		"name":                  "#" + o.number,
		"financial_status":      financial,
		"total_price":           strconv.FormatFloat(o.total(), 'f', 2, 64),
		"currency":              "INR",
		"payment_gateway_names": []string{gateway},
		"created_at":            o.at.Format(time.RFC3339),
		"updated_at":            o.at.Format(time.RFC3339),
		"customer":              map[string]any{"first_name": "Asha", "last_name": "Rao", "phone": "+91" + o.phone},
		"shipping_address": map[string]any{
			"name": "Asha Rao", "address1": "12 MG Road", "city": "Mumbai", "zip": "400001", "phone": o.phone,
		},
		"line_items": []map[string]any{{
			"sku": p.sku, "title": p.title, "quantity": o.quantity, "price": strconv.FormatFloat(p.price, 'f', 2, 64),
		}},
	}
}

func wooOrder(o mockOrder) map[string]any {
	p := skus[o.sku]
	method := "razorpay"
	if o.cod {
		method = "cod"
	}
	ts := o.at.Format("2006-01-02T15:04:05")
	return map[string]any{
		"id":                o.id,
		"number":            o.number,
		"status":            "processing",
		"total":             strconv.FormatFloat(o.total(), 'f', 2, 64),
		"currency":          "INR",
		"payment_method":    method,
		"date_created_gmt":  ts,
		"date_modified_gmt": ts,
		"billing":           map[string]any{"first_name": "Asha", "last_name": "Rao", "phone": o.phone},
		"shipping": map[string]any{
			"first_name": "Asha", "last_name": "Rao", "address_1": "12 MG Road", "city": "Mumbai", "postcode": "400001",
		},
		"line_items": []map[string]any{{"sku": p.sku, "name": p.title, "quantity": o.quantity, "price": p.price}},
	}
}
