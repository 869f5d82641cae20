package kv

import "path"

// MatchPattern reports whether name matches a store glob pattern such as
// "crawler_session_meta_*". Malformed patterns never match.
//
// Unlike Redis glob, '*' and '?' do not match '/'. Session ids and channel
// names never contain one.
func MatchPattern(pattern, name string) bool {
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}
