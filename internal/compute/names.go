package compute

import (
	"math/rand"
	"strings"
)

var (
	onsets = []string{"b", "br", "d", "dr", "f", "g", "gr", "k", "kr", "l", "m", "n", "p", "r", "s", "st", "t", "tr", "v", "z"}
	nuclei = []string{"a", "e", "i", "o", "u", "ai", "ou", "ee"}
	codas  = []string{"", "", "n", "r", "s", "x", "th", "l"}
)

const alphabet = "abcdefghijklmnopqrstuvwxyz"

func randomName(rng *rand.Rand) string {
	var b strings.Builder
	syllables := 2 + rng.Intn(2)
	for i := 0; i < syllables; i++ {
		b.WriteString(onsets[rng.Intn(len(onsets))])
		b.WriteString(nuclei[rng.Intn(len(nuclei))])
		if i == syllables-1 {
			b.WriteString(codas[rng.Intn(len(codas))])
		}
	}
	name := b.String()
	return strings.ToUpper(name[:1]) + name[1:]
}

// mutateName swaps one letter so a mutated lineage is visibly distinct.
func mutateName(rng *rand.Rand, name string) string {
	if name == "" {
		return randomName(rng)
	}
	runes := []rune(name)
	idx := rng.Intn(len(runes))
	replacement := rune(alphabet[rng.Intn(len(alphabet))])
	if idx == 0 {
		replacement = rune(strings.ToUpper(string(replacement))[0])
	}
	if runes[idx] == replacement {
		runes = append(runes, rune(alphabet[rng.Intn(len(alphabet))]))
	} else {
		runes[idx] = replacement
	}
	return string(runes)
}
