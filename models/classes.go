package models

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// BirdClassID is the "bird" label in the zero-based COCO-80 ordering.
const BirdClassID = 14

// ClassTable is an ordered list of labels indexed by class id.
type ClassTable struct {
	names     []string
	nameToIdx map[string]int
}

// NewClassTable builds a table from labels in class-id order.
func NewClassTable(names []string) *ClassTable {
	t := &ClassTable{
		names:     append([]string(nil), names...),
		nameToIdx: make(map[string]int, len(names)),
	}
	for i, n := range t.names {
		if _, dup := t.nameToIdx[n]; !dup {
			t.nameToIdx[n] = i
		}
	}
	return t
}

// LoadClassTable reads a coco.names-style file, one label per line.
// Blank lines are skipped.
func LoadClassTable(path string) (*ClassTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening class names")
	}
	defer f.Close()
	return ReadClassTable(f)
}

// ReadClassTable reads labels from r, one per line.
func ReadClassTable(r io.Reader) (*ClassTable, error) {
	var names []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		names = append(names, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading class names")
	}
	if len(names) == 0 {
		return nil, errors.New("class names file is empty")
	}
	return NewClassTable(names), nil
}

// Len returns the number of classes; it must equal the detector's class count.
func (t *ClassTable) Len() int {
	return len(t.names)
}

// Name returns the label for id.
// An out-of-range id is a programming error and panics.
func (t *ClassTable) Name(id int) string {
	if id < 0 || id >= len(t.names) {
		panic(errors.Errorf("class id %d out of range [0, %d)", id, len(t.names)))
	}
	return t.names[id]
}

// Lookup returns the class id for a label.
func (t *ClassTable) Lookup(name string) (int, bool) {
	id, ok := t.nameToIdx[name]
	return id, ok
}

// COCOClasses returns the 80 COCO labels in the zero-based order YOLO exports use.
func COCOClasses() *ClassTable {
	return NewClassTable(cocoNames)
}

var cocoNames = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat",
	"dog", "horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack",
	"umbrella", "handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball",
	"kite", "baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket",
	"bottle", "wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple",
	"sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair",
	"couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear", "hair drier",
	"toothbrush",
}
