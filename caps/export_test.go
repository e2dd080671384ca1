// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package caps

// NumWatchers reports how many adapters observe p.
func NumWatchers(p *Player) int { return p.obs.len() }
