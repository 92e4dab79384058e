package mystery

// Catalog is an immutable, ordered list of mysteries. It is passed to the
// components that need it instead of being read from package state, so tests
// can work with a reduced catalog.
type Catalog struct {
	items []Mystery
	index map[string]int
}

// New builds a catalog from list, preserving order. Later duplicates of an id
// are ignored.
func New(list []Mystery) *Catalog {
	c := &Catalog{index: make(map[string]int, len(list))}
	for _, m := range list {
		if _, dup := c.index[m.ID]; dup {
			continue
		}
		c.index[m.ID] = len(c.items)
		c.items = append(c.items, m)
	}
	return c
}

// Default returns the standard twenty-mystery catalog.
func Default() *Catalog {
	return New(standard)
}

// Len reports the number of mysteries.
func (c *Catalog) Len() int { return len(c.items) }

// All returns the catalog in order. The slice is a copy.
func (c *Catalog) All() []Mystery {
	out := make([]Mystery, len(c.items))
	copy(out, c.items)
	return out
}

// Lookup finds a mystery by id.
func (c *Catalog) Lookup(id string) (Mystery, bool) {
	i, ok := c.index[id]
	if !ok {
		return Mystery{}, false
	}
	return c.items[i], true
}

// BySet returns the mysteries of one set in catalog order.
func (c *Catalog) BySet(s Set) []Mystery {
	var out []Mystery
	for _, m := range c.items {
		if m.Set == s {
			out = append(out, m)
		}
	}
	return out
}

// Without returns the catalog minus the given ids, in catalog order.
func (c *Catalog) Without(ids []string) []Mystery {
	skip := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		skip[id] = struct{}{}
	}
	out := make([]Mystery, 0, len(c.items))
	for _, m := range c.items {
		if _, ok := skip[m.ID]; ok {
			continue
		}
		out = append(out, m)
	}
	return out
}

// PickRandom chooses one candidate uniformly using intn, which must behave
// like rand.IntN. It reports false when candidates is empty.
func PickRandom(candidates []Mystery, intn func(n int) int) (Mystery, bool) {
	if len(candidates) == 0 {
		return Mystery{}, false
	}
	return candidates[intn(len(candidates))], true
}

var standard = []Mystery{
	{ID: "joyful-annunciation", Set: Joyful, Name: "The Annunciation",
		Contemplation: "The angel Gabriel announces to Mary that she will bear the Son of God. Fruit: humility."},
	{ID: "joyful-visitation", Set: Joyful, Name: "The Visitation",
		Contemplation: "Mary visits her cousin Elizabeth, who greets her as the mother of the Lord. Fruit: love of neighbour."},
	{ID: "joyful-nativity", Set: Joyful, Name: "The Nativity",
		Contemplation: "Jesus is born in poverty in Bethlehem. Fruit: poverty of spirit."},
	{ID: "joyful-presentation", Set: Joyful, Name: "The Presentation in the Temple",
		Contemplation: "Mary and Joseph present the child Jesus in the Temple. Fruit: obedience."},
	{ID: "joyful-finding", Set: Joyful, Name: "The Finding in the Temple",
		Contemplation: "After three days Jesus is found teaching in the Temple. Fruit: piety."},

	{ID: "light-baptism", Set: Light, Name: "The Baptism in the Jordan",
		Contemplation: "Jesus is baptised by John and the Father proclaims Him His beloved Son. Fruit: openness to the Holy Spirit."},
	{ID: "light-cana", Set: Light, Name: "The Wedding at Cana",
		Contemplation: "At Mary's request Jesus turns water into wine. Fruit: to Jesus through Mary."},
	{ID: "light-proclamation", Set: Light, Name: "The Proclamation of the Kingdom",
		Contemplation: "Jesus calls all to conversion and announces the Kingdom of God. Fruit: repentance."},
	{ID: "light-transfiguration", Set: Light, Name: "The Transfiguration",
		Contemplation: "Jesus is transfigured on Mount Tabor before Peter, James and John. Fruit: desire for holiness."},
	{ID: "light-eucharist", Set: Light, Name: "The Institution of the Eucharist",
		Contemplation: "At the Last Supper Jesus gives His Body and Blood. Fruit: adoration."},

	{ID: "sorrowful-agony", Set: Sorrowful, Name: "The Agony in the Garden",
		Contemplation: "Jesus prays in Gethsemane and accepts the Father's will. Fruit: sorrow for sin."},
	{ID: "sorrowful-scourging", Set: Sorrowful, Name: "The Scourging at the Pillar",
		Contemplation: "Jesus is scourged at the command of Pilate. Fruit: purity."},
	{ID: "sorrowful-crowning", Set: Sorrowful, Name: "The Crowning with Thorns",
		Contemplation: "The soldiers mock Jesus and crown Him with thorns. Fruit: courage."},
	{ID: "sorrowful-carrying", Set: Sorrowful, Name: "The Carrying of the Cross",
		Contemplation: "Jesus carries His cross to Calvary. Fruit: patience."},
	{ID: "sorrowful-crucifixion", Set: Sorrowful, Name: "The Crucifixion",
		Contemplation: "Jesus dies on the cross for our salvation. Fruit: perseverance."},

	{ID: "glorious-resurrection", Set: Glorious, Name: "The Resurrection",
		Contemplation: "Jesus rises from the dead on the third day. Fruit: faith."},
	{ID: "glorious-ascension", Set: Glorious, Name: "The Ascension",
		Contemplation: "Jesus ascends into heaven forty days after Easter. Fruit: hope."},
	{ID: "glorious-pentecost", Set: Glorious, Name: "The Descent of the Holy Spirit",
		Contemplation: "The Holy Spirit descends upon Mary and the apostles. Fruit: love of God."},
	{ID: "glorious-assumption", Set: Glorious, Name: "The Assumption of Mary",
		Contemplation: "Mary is taken body and soul into heaven. Fruit: grace of a happy death."},
	{ID: "glorious-coronation", Set: Glorious, Name: "The Coronation of Mary",
		Contemplation: "Mary is crowned Queen of Heaven and Earth. Fruit: trust in Mary's intercession."},
}
