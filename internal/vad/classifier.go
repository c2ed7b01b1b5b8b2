package vad

// Label is the binary decision for one window.
type Label uint8

const (
	Silence Label = iota
	Speech
)

func (l Label) String() string {
	if l == Speech {
		return "speech"
	}
	return "silence"
}

// Classifier turns window scores into labels.
type Classifier struct {
	threshold float32
}

// NewClassifier returns a Classifier for the given threshold.
func NewClassifier(threshold float32) Classifier {
	return Classifier{threshold: threshold}
}

// Threshold returns the decision boundary.
func (c Classifier) Threshold() float32 { return c.threshold }

// Classify returns Speech iff score >= threshold. NaN is Silence.
func (c Classifier) Classify(score float32) Label {
	if score >= c.threshold {
		return Speech
	}
	return Silence
}
