package jobevents

import (
	"encoding/json"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"

	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
)

func TestKafkaPublisher_SendsKeyedJSON(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	prod := mocks.NewAsyncProducer(t, cfg)

	jobID := NewJobID()
	prod.ExpectInputWithCheckerFunctionAndSucceed(func(val []byte) error {
		var ev Event
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.JobID != jobID || ev.Status != model.SubFinished || ev.Kind != model.KindExport || ev.TS.IsZero() {
			t.Errorf("unexpected event %+v", ev)
		}
		return nil
	})

	p := NewWithProducer(prod, "export-jobs", 4, nil)
	p.Publish(Event{JobID: jobID, Kind: model.KindExport, Host: "arcgis", Item: "abc", Status: model.SubFinished})

	msg := <-prod.Successes()
	if msg.Topic != "export-jobs" {
		t.Fatalf("topic=%s", msg.Topic)
	}
	if k, _ := msg.Key.Encode(); string(k) != jobID {
		t.Fatalf("key=%s want %s", k, jobID)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestNewJobID_IsUUID(t *testing.T) {
	if _, err := uuid.Parse(NewJobID()); err != nil {
		t.Fatalf("job id is not a uuid: %v", err)
	}
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	p.Publish(Event{})
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

var _ sarama.AsyncProducer = (*mocks.AsyncProducer)(nil)
