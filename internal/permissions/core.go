package permissions

const (
	Read   Level = "READ"
	Write  Level = "WRITE"
	Delete Level = "DELETE"
	Admin  Level = "ADMIN"
)

func init() {
	defs := []*Definition{
		{ID: Read, Description: "See the bucket and receive its messages"},
		{ID: Write, Description: "Post messages into the bucket"},
		{ID: Delete, Description: "Delete messages posted into the bucket"},
		{ID: Admin, Implies: []Level{Read, Write, Delete}, Description: "Manage the bucket and its shares"},
	}
	for _, def := range defs {
		if err := Register(def); err != nil {
			panic(err)
		}
	}
}
