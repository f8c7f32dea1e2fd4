package telemetry

import "testing"

func TestOperationAttributes(t *testing.T) {
	attrs := OperationAttributes("test", "join", ResultSuccess)
	if len(attrs) != 3 {
		t.Fatalf("expected 3 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != AttrEnvironment || attrs[0].Value.AsString() != "test" {
		t.Fatalf("unexpected environment attribute %v", attrs[0])
	}
	if attrs[2].Key != AttrResult || attrs[2].Value.AsString() != "success" {
		t.Fatalf("unexpected result attribute %v", attrs[2])
	}
}

func TestTopicAttributes(t *testing.T) {
	attrs := TopicAttributes("prod", "queue.summary")
	if attrs[1].Key != AttrTopic || attrs[1].Value.AsString() != "queue.summary" {
		t.Fatalf("unexpected topic attribute %v", attrs[1])
	}
}
