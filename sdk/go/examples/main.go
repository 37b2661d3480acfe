package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"AgentPay/sdk/go/agentpay"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/settings/pin", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/api/v1/payments", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentpay.Receipt{
			UserID:    "demo",
			Approved:  true,
			RiskScore: 10,
			State:     "EXECUTED",
			Reference: "sim-4f2a1c90",
		})
	})
	mux.HandleFunc("/api/v1/approvals/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentpay.Session{UserID: "demo", State: "IDLE"})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := agentpay.NewClient(srv.URL)
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.SetPIN(ctx, "demo", "1234"); err != nil {
		panic(err)
	}
	fmt.Println("pin configured")

	receipt, err := client.SubmitPayment(ctx, "demo", "Pay 50 to AWS for server costs")
	if err != nil {
		panic(err)
	}
	fmt.Printf("payment state=%s reference=%s\n", receipt.State, receipt.Reference)

	session, err := client.Status(ctx, "demo")
	if err != nil {
		panic(err)
	}
	fmt.Printf("session state=%s\n", session.State)
}
