package beam

import "fmt"

// node is one token of a tape in the arena; parent is the index of the
// previous token's node, -1 for the start token.
type node struct {
	token  int
	parent int32
}

// State is the live beam of one decode call: batch*width slots, each a leaf
// into a shared arena of tape nodes, with a cumulative score per slot and a
// monotonic done flag per batch element. Slots of element b are
// [b*width, (b+1)*width).
type State struct {
	batch, width int
	step         int

	nodes  []node
	leaves []int32
	scores []float64
	done   []bool
}

// NewState starts every slot on a single shared start-token node with a
// zero score.
func NewState(batch, width, startToken int) *State {
	slots := batch * width
	return &State{
		batch:  batch,
		width:  width,
		nodes:  []node{{token: startToken, parent: -1}},
		leaves: make([]int32, slots),
		scores: make([]float64, slots),
		done:   make([]bool, batch),
	}
}

func (s *State) Batch() int { return s.batch }
func (s *State) Width() int { return s.width }
func (s *State) Slots() int { return s.batch * s.width }

// Step is the number of tokens generated so far; tapes have Step()+1 tokens.
func (s *State) Step() int { return s.step }

func (s *State) Score(slot int) float64 { return s.scores[slot] }

// Element returns the batch element owning slot.
func (s *State) Element(slot int) int { return slot / s.width }

func (s *State) Done(elem int) bool { return s.done[elem] }

func (s *State) MarkDone(elem int) { s.done[elem] = true }

func (s *State) AllDone() bool {
	for _, d := range s.done {
		if !d {
			return false
		}
	}
	return true
}

// Tape materializes the token sequence of slot by walking parent links.
func (s *State) Tape(slot int) []int {
	return s.tapeInto(make([]int, s.step+1), slot)
}

// TapeWith returns the tape of slot extended by token.
func (s *State) TapeWith(slot, token int) []int {
	tape := make([]int, s.step+2)
	s.tapeInto(tape[:s.step+1], slot)
	tape[s.step+1] = token
	return tape
}

func (s *State) tapeInto(tape []int, slot int) []int {
	n := s.leaves[slot]
	for i := len(tape) - 1; i >= 0; i-- {
		tape[i] = s.nodes[n].token
		n = s.nodes[n].parent
	}
	return tape
}

// Tapes materializes every slot's tape.
func (s *State) Tapes() [][]int {
	out := make([][]int, s.Slots())
	for i := range out {
		out[i] = s.Tape(i)
	}
	return out
}

// Advance moves the beam one step: slot i becomes the tape of slot
// parents[i] extended by tokens[i], with cumulative score scores[i].
func (s *State) Advance(parents, tokens []int, scores []float64) error {
	slots := s.Slots()
	if len(parents) != slots || len(tokens) != slots || len(scores) != slots {
		return fmt.Errorf("advance: expected %d slots, got parents=%d tokens=%d scores=%d",
			slots, len(parents), len(tokens), len(scores))
	}
	for i, p := range parents {
		if p < 0 || p >= slots {
			return fmt.Errorf("advance: parent %d of slot %d out of range", p, i)
		}
	}
	leaves := make([]int32, slots)
	for i, p := range parents {
		s.nodes = append(s.nodes, node{token: tokens[i], parent: s.leaves[p]})
		leaves[i] = int32(len(s.nodes) - 1)
	}
	s.leaves = leaves
	copy(s.scores, scores)
	s.step++
	return nil
}
