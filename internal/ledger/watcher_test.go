package ledger

import (
	"strings"
	"testing"
)

func purchaseLog() rpcLog {
	buyer := "000000000000000000000000" + strings.Repeat("ab", 20)
	amount := strings.Repeat("0", 63) + "5"
	cost := strings.Repeat("0", 62) + "64"
	return rpcLog{
		Topics:          []string{"0xevent", "0x" + buyer},
		Data:            "0x" + amount + cost,
		LogIndex:        "0x2",
		TransactionHash: "0xabc",
		BlockNumber:     "0x10",
	}
}

func TestDecodePurchase(t *testing.T) {
	ev, err := decodePurchase(purchaseLog())
	if err != nil {
		t.Fatalf("decodePurchase: %v", err)
	}

	if ev.Buyer != "0x"+strings.Repeat("ab", 20) {
		t.Errorf("buyer = %s", ev.Buyer)
	}
	if ev.Amount.Int64() != 5 {
		t.Errorf("amount = %v, want 5", ev.Amount)
	}
	if ev.Cost.Int64() != 100 {
		t.Errorf("cost = %v, want 100", ev.Cost)
	}
	if ev.TxHash != "0xabc" || ev.BlockNumber != 16 || ev.LogIndex != 2 {
		t.Errorf("event = %+v", ev)
	}
}

func TestDecodePurchase_Malformed(t *testing.T) {
	missingTopic := purchaseLog()
	missingTopic.Topics = missingTopic.Topics[:1]

	shortTopic := purchaseLog()
	shortTopic.Topics[1] = "0xab"

	shortData := purchaseLog()
	shortData.Data = "0xdead"

	badWord := purchaseLog()
	badWord.Data = "0x" + strings.Repeat("z", 128)

	tests := []struct {
		name string
		log  rpcLog
	}{
		{"missing buyer topic", missingTopic},
		{"short buyer topic", shortTopic},
		{"short data", shortData},
		{"non-hex data word", badWord},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Must reject with an error, never panic.
			if _, err := decodePurchase(tt.log); err == nil {
				t.Fatal("expected decode error")
			}
		})
	}
}
