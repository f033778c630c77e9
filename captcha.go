package gatekeeper

import (
	"fmt"
	"math/rand/v2"
)

// challenge is a single arithmetic captcha: a question for the joining user,
// the expected answer and a shuffled option set that always contains the answer
// exactly once.
type challenge struct {
	Question string
	Answer   int
	Options  []int
}

// newChallenge draws two operands uniformly from [minOperand, maxOperand]
// and builds distractors around their sum.
func newChallenge(minOperand, maxOperand int) challenge {
	a := minOperand + rand.IntN(maxOperand-minOperand+1)
	b := minOperand + rand.IntN(maxOperand-minOperand+1)
	answer := a + b

	options := dedup(answer, answer+1, answer-1, answer+2)
	rand.Shuffle(len(options), func(i, j int) {
		options[i], options[j] = options[j], options[i]
	})

	return challenge{
		Question: fmt.Sprintf("%d + %d = ?", a, b),
		Answer:   answer,
		Options:  options,
	}
}

func dedup(values ...int) []int {
	seen := make(map[int]struct{}, len(values))
	out := make([]int, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
