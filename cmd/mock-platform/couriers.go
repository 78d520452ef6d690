package main

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"opsync/internal/platform"
)

// scenario is the journey a simulated shipment takes, chosen by the last
// digit of its AWB so runs are repeatable.
type scenario struct {
	final   string // delivered, ndr or transit
	nsl     string
	remarks string
}

func scenarioFor(awb string) scenario {
	if awb == "" {
		return scenario{final: "transit"}
	}
	switch awb[len(awb)-1] {
	case '0', '1', '2', '3':
		return scenario{final: "delivered"}
	case '7':
		return scenario{final: "ndr", nsl: "EOD-6", remarks: "Consignee refused to accept"}
	case '8':
		return scenario{final: "ndr", nsl: "EOD-11", remarks: "Customer not available"}
	case '9':
		return scenario{final: "ndr", nsl: "EOD-43", remarks: "Address incomplete"}
	}
	return scenario{final: "transit"}
}

type scan struct {
	at       time.Time
	status   string
	typ      string
	location string
	remarks  string
	code     string
}

func journey(awb string, now time.Time) []scan {
	base := now.Truncate(time.Hour).Add(-30 * time.Hour)
	scans := []scan{
		{at: base, status: "Manifested", typ: "UD", location: "Bhiwandi_Hub"},
		{at: base.Add(10 * time.Hour), status: "In Transit", typ: "UD", location: "Mumbai_Sort"},
	}
	last := base.Add(24 * time.Hour)
	switch sc := scenarioFor(awb); sc.final {
	case "delivered":
		scans = append(scans,
			scan{at: last.Add(-4 * time.Hour), status: "Dispatched", typ: "UD", location: "Andheri_DC"},
			scan{at: last, status: "Delivered", typ: "DL", location: "Andheri_DC"})
	case "ndr":
		scans = append(scans,
			scan{at: last.Add(-4 * time.Hour), status: "Dispatched", typ: "UD", location: "Andheri_DC"},
			scan{at: last, status: "Pending", typ: "UD", location: "Andheri_DC", remarks: sc.remarks, code: sc.nsl})
	default:
		scans = append(scans, scan{at: last, status: "In Transit", typ: "UD", location: "Pune_Hub"})
	}
	return scans
}

func localTime(t time.Time) string { return t.In(platform.IST).Format("2006-01-02T15:04:05") }

var awbSeq atomic.Int64

func nextAWB(prefix string) string {
	return fmt.Sprintf("%s%010d", prefix, awbSeq.Add(1))
}

func (s *server) registerCouriers(r *mux.Router) {
	// Delhivery
	r.HandleFunc("/c/api/pin-codes/json/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"delivery_codes": []any{}})
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/cmu/create.json", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("data") == "" {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "rmk": "data is required"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"packages": []map[string]any{{"waybill": nextAWB("149"), "status": "Success"}},
		})
	}).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/packages/json/", s.delhiveryTracking).Methods(http.MethodGet)
	r.HandleFunc("/api/p/update", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": true})
	}).Methods(http.MethodPost)

	// Shiprocket
	r.HandleFunc("/auth/login", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"token": "mock-shiprocket-token"})
	}).Methods(http.MethodPost)
	r.HandleFunc("/orders/create/adhoc", func(w http.ResponseWriter, _ *http.Request) {
		id := awbSeq.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"order_id": id, "shipment_id": id})
	}).Methods(http.MethodPost)
	r.HandleFunc("/courier/assign/awb", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"awb_assign_status": 1,
			"response": map[string]any{"data": map[string]string{
				"awb_code": nextAWB("SR"), "courier_name": "Mock Express",
			}},
		})
	}).Methods(http.MethodPost)
	r.HandleFunc("/courier/track/awb/{awb}", s.shiprocketTracking).Methods(http.MethodGet)
	r.HandleFunc("/ndr/{awb}/action", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodPost)
}

func (s *server) delhiveryTracking(w http.ResponseWriter, r *http.Request) {
	awb := r.URL.Query().Get("waybill")
	if awb == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"Error": "waybill is required"})
		return
	}
	var scans []map[string]any
	for _, sc := range journey(awb, time.Now()) {
		scans = append(scans, map[string]any{"ScanDetail": map[string]any{
			"Scan":            sc.status,
			"ScanType":        sc.typ,
			"ScanDateTime":    localTime(sc.at),
			"ScannedLocation": sc.location,
			"Instructions":    sc.remarks,
			"StatusCode":      sc.code,
		}})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ShipmentData": []map[string]any{{
		"Shipment": map[string]any{
			"AWB":            awb,
			"ReferenceNo":    "#" + awb[max(0, len(awb)-4):],
			"CODAmount":      1499.0,
			"PaymentMode":    "COD",
			"ConsigneePhone": "9812345678",
			"Scans":          scans,
		},
	}}})
}

// Shiprocket labels per delhivery-style scan.
func shiprocketLabel(sc scan) string {
	switch {
	case sc.typ == "DL":
		return "DELIVERED"
	case sc.code != "":
		return "UNDELIVERED"
	case sc.status == "Dispatched":
		return "OUT FOR DELIVERY"
	case sc.status == "Manifested":
		return "PICKUP GENERATED"
	}
	return "IN TRANSIT"
}

func (s *server) shiprocketTracking(w http.ResponseWriter, r *http.Request) {
	awb := mux.Vars(r)["awb"]
	scans := journey(awb, time.Now())
	acts := make([]map[string]any, 0, len(scans))
	// Newest first, as Shiprocket returns them.
	for i := len(scans) - 1; i >= 0; i-- {
		sc := scans[i]
		activity := sc.status
		if sc.remarks != "" {
			activity = sc.remarks
		}
		acts = append(acts, map[string]any{
			"date":            localTime(sc.at),
			"status":          sc.status,
			"activity":        activity,
			"location":        sc.location,
			"sr-status-label": shiprocketLabel(sc),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tracking_data": map[string]any{
		"track_status":              1,
		"shipment_track_activities": acts,
	}})
}
