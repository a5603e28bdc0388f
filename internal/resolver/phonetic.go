package resolver

// soundex returns the American Soundex code of an ASCII-folded token.
func soundex(s string) string {
	codes := map[rune]byte{
		'b': '1', 'f': '1', 'p': '1', 'v': '1',
		'c': '2', 'g': '2', 'j': '2', 'k': '2', 'q': '2', 's': '2', 'x': '2', 'z': '2',
		'd': '3', 't': '3',
		'l': '4',
		'm': '5', 'n': '5',
		'r': '6',
	}
	out := make([]byte, 0, 4)
	var last byte
	for _, r := range s {
		if r < 'a' || r > 'z' {
			continue
		}
		code := codes[r]
		if len(out) == 0 {
			out = append(out, byte(r-'a'+'A'))
			last = code
			continue
		}
		if code != 0 && code != last {
			out = append(out, code)
			if len(out) == 4 {
				break
			}
		}
		// h and w do not separate equal codes; vowels do.
		if r != 'h' && r != 'w' {
			last = code
		}
	}
	if len(out) == 0 {
		return ""
	}
	for len(out) < 4 {
		out = append(out, '0')
	}
	return string(out)
}

// similarity returns 1 - levenshtein(a,b)/max(len(a),len(b)) over runes.
func similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 && len(rb) == 0 {
		return 1
	}
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
