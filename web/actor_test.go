package web

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mammut-social/mammut/domain"
)

func TestGetActor(t *testing.T) {
	database := setupTestDB(t)
	conf := testConf()
	createTestAccount(t, database, "alice")

	err, resp := GetActor("alice", database, conf)
	if err != nil {
		t.Fatalf("GetActor failed: %v", err)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(resp), &doc); err != nil {
		t.Fatalf("Response is not valid JSON: %v", err)
	}

	if doc["id"] != "https://mammut.example/users/alice" {
		t.Errorf("Unexpected id: %v", doc["id"])
	}
	if doc["type"] != "Person" {
		t.Errorf("Unexpected type: %v", doc["type"])
	}
	if doc["preferredUsername"] != "alice" {
		t.Errorf("Unexpected preferredUsername: %v", doc["preferredUsername"])
	}
	if doc["inbox"] != "https://mammut.example/users/alice/inbox" {
		t.Errorf("Unexpected inbox: %v", doc["inbox"])
	}

	endpoints, ok := doc["endpoints"].(map[string]interface{})
	if !ok || endpoints["sharedInbox"] != "https://mammut.example/inbox" {
		t.Errorf("Unexpected endpoints: %v", doc["endpoints"])
	}

	key, ok := doc["publicKey"].(map[string]interface{})
	if !ok {
		t.Fatal("Expected publicKey object")
	}
	if key["id"] != "https://mammut.example/users/alice#main-key" {
		t.Errorf("Unexpected key id: %v", key["id"])
	}
	if key["publicKeyPem"] == "" {
		t.Error("Expected public key PEM")
	}
}

func TestGetActorUnknownUser(t *testing.T) {
	database := setupTestDB(t)

	if err, _ := GetActor("nobody", database, testConf()); err == nil {
		t.Error("Expected error for unknown user")
	}
}

func TestGetNoteObject(t *testing.T) {
	database := setupTestDB(t)
	conf := testConf()
	createTestAccount(t, database, "alice")
	err, acc := database.ReadAccByUsername("alice")
	if err != nil {
		t.Fatalf("ReadAccByUsername failed: %v", err)
	}

	lat, lon := 52.52, 13.405
	note := &domain.Note{
		Id:         uuid.New(),
		Message:    "at the lake",
		CreatedAt:  time.Now(),
		Visibility: "public",
		Federated:  true,
		Latitude:   &lat,
		Longitude:  &lon,
		PlaceName:  "Wannsee",
	}
	if err := database.CreateNote(note, acc.Id); err != nil {
		t.Fatalf("CreateNote failed: %v", err)
	}

	err, resp := GetNoteObject(note.Id, database, conf)
	if err != nil {
		t.Fatalf("GetNoteObject failed: %v", err)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(resp), &doc); err != nil {
		t.Fatalf("Response is not valid JSON: %v", err)
	}
	if doc["type"] != "Note" {
		t.Errorf("Unexpected type: %v", doc["type"])
	}
	if doc["content"] != "at the lake" {
		t.Errorf("Unexpected content: %v", doc["content"])
	}
	if doc["attributedTo"] != "https://mammut.example/users/alice" {
		t.Errorf("Unexpected attributedTo: %v", doc["attributedTo"])
	}

	location, ok := doc["location"].(map[string]interface{})
	if !ok {
		t.Fatal("Expected location object")
	}
	if location["name"] != "Wannsee" {
		t.Errorf("Unexpected place name: %v", location["name"])
	}
}

func TestGetNoteObjectNotFound(t *testing.T) {
	database := setupTestDB(t)

	if err, _ := GetNoteObject(uuid.New(), database, testConf()); err == nil {
		t.Error("Expected error for unknown note")
	}
}

func TestGetOutbox(t *testing.T) {
	database := setupTestDB(t)
	conf := testConf()
	createTestAccount(t, database, "alice")
	err, acc := database.ReadAccByUsername("alice")
	if err != nil {
		t.Fatalf("ReadAccByUsername failed: %v", err)
	}

	public := &domain.Note{
		Id:         uuid.New(),
		Message:    "hello world",
		CreatedAt:  time.Now(),
		Visibility: "public",
		Federated:  true,
	}
	private := &domain.Note{
		Id:         uuid.New(),
		Message:    "just for me",
		CreatedAt:  time.Now(),
		Visibility: "private",
		Federated:  false,
	}
	for _, note := range []*domain.Note{public, private} {
		if err := database.CreateNote(note, acc.Id); err != nil {
			t.Fatalf("CreateNote failed: %v", err)
		}
	}

	err, resp := GetOutbox("alice", database, conf)
	if err != nil {
		t.Fatalf("GetOutbox failed: %v", err)
	}

	var doc struct {
		Type         string                   `json:"type"`
		TotalItems   int                      `json:"totalItems"`
		OrderedItems []map[string]interface{} `json:"orderedItems"`
	}
	if err := json.Unmarshal([]byte(resp), &doc); err != nil {
		t.Fatalf("Response is not valid JSON: %v", err)
	}
	if doc.Type != "OrderedCollection" {
		t.Errorf("Unexpected type: %s", doc.Type)
	}
	if doc.TotalItems != 1 {
		t.Errorf("Expected 1 public item, got %d", doc.TotalItems)
	}
	if len(doc.OrderedItems) != 1 {
		t.Fatalf("Expected 1 ordered item, got %d", len(doc.OrderedItems))
	}
	if doc.OrderedItems[0]["type"] != "Create" {
		t.Errorf("Expected Create item, got %v", doc.OrderedItems[0]["type"])
	}
}
