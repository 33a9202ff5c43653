package mr

import (
	"fmt"
	"plugin"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// User code interface: a mapper turns one input line into pairs, a reducer
// turns a key and its grouped values into pairs.
type MapFunc func(line string) []KeyValue
type ReduceFunc func(key string, values []string) []KeyValue

var wordRE = regexp.MustCompile(`\w+`)

// ResolveMapper resolves an opaque mapper ref on the worker: a built-in name,
// "grep:<pattern>", or a path to a Go plugin exporting Mapper.
func ResolveMapper(ref string) (MapFunc, error) {
	switch {
	case ref == "wordcount":
		return wordcountMap, nil
	case ref == "invertedindex":
		return invertedIndexMap, nil
	case strings.HasPrefix(ref, "grep:"):
		re, err := regexp.Compile("(?i)" + strings.TrimPrefix(ref, "grep:"))
		if err != nil {
			return nil, Errf(UserCodeError, "grep pattern: %v", err)
		}
		return func(line string) []KeyValue {
			if re.MatchString(line) {
				return []KeyValue{{Key: strings.TrimSpace(line), Value: "1"}}
			}
			return nil
		}, nil
	case strings.HasSuffix(ref, ".so"):
		sym, err := loadSymbol(ref, "Mapper")
		if err != nil {
			return nil, err
		}
		f, ok := sym.(func(string) []KeyValue)
		if !ok {
			return nil, Errf(UserCodeError, "%s: Mapper has wrong type", ref)
		}
		return f, nil
	}
	return nil, Errf(UserCodeError, "unknown mapper ref %q", ref)
}

// ResolveReducer mirrors ResolveMapper for reducer refs.
func ResolveReducer(ref string) (ReduceFunc, error) {
	switch {
	case ref == "wordcount" || strings.HasPrefix(ref, "grep:") || ref == "grep":
		return sumReduce, nil
	case ref == "invertedindex":
		return invertedIndexReduce, nil
	case strings.HasSuffix(ref, ".so"):
		sym, err := loadSymbol(ref, "Reducer")
		if err != nil {
			return nil, err
		}
		f, ok := sym.(func(string, []string) []KeyValue)
		if !ok {
			return nil, Errf(UserCodeError, "%s: Reducer has wrong type", ref)
		}
		return f, nil
	}
	return nil, Errf(UserCodeError, "unknown reducer ref %q", ref)
}

func loadSymbol(path, name string) (plugin.Symbol, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, Errf(UserCodeError, "load plugin %s: %v", path, err)
	}
	sym, err := p.Lookup(name)
	if err != nil {
		return nil, Errf(UserCodeError, "plugin %s: %v", path, err)
	}
	return sym, nil
}

// wordcountMap emits (word, 1) for every word in the line.
func wordcountMap(line string) []KeyValue {
	var out []KeyValue
	for _, word := range wordRE.FindAllString(strings.ToLower(line), -1) {
		out = append(out, KeyValue{Key: word, Value: "1"})
	}
	return out
}

// sumReduce sums integer values per key (word count, grep match count).
func sumReduce(key string, values []string) []KeyValue {
	total := 0
	for _, v := range values {
		n, err := strconv.Atoi(v)
		if err != nil {
			panic(fmt.Sprintf("non-integer count %q for key %q", v, key))
		}
		total += n
	}
	return []KeyValue{{Key: key, Value: strconv.Itoa(total)}}
}

// invertedIndexMap expects "doc_id: content" lines and emits (word, doc_id)
// once per distinct word of at least three characters.
func invertedIndexMap(line string) []KeyValue {
	parts := strings.SplitN(line, ":", 2)
	if len(parts) != 2 {
		return nil
	}
	docID := strings.TrimSpace(parts[0])
	seen := make(map[string]bool)
	var out []KeyValue
	for _, word := range wordRE.FindAllString(strings.ToLower(parts[1]), -1) {
		if len(word) <= 2 || seen[word] {
			continue
		}
		seen[word] = true
		out = append(out, KeyValue{Key: word, Value: docID})
	}
	return out
}

// invertedIndexReduce joins the distinct, sorted doc ids per word.
func invertedIndexReduce(key string, values []string) []KeyValue {
	set := make(map[string]bool)
	for _, v := range values {
		set[v] = true
	}
	docs := make([]string, 0, len(set))
	for d := range set {
		docs = append(docs, d)
	}
	sort.Strings(docs)
	return []KeyValue{{Key: key, Value: strings.Join(docs, ",")}}
}
