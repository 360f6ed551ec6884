package filter

import "testing"

func TestQuery(t *testing.T) {
	cases := []struct {
		name string
		c    Criteria
		want string
	}{
		{
			name: "default",
			c:    Default(),
			want: "-is:chat older_than:365d -label:important -label:starred -label:sent -label:draft",
		},
		{
			name: "empty",
			c:    Criteria{},
			want: "-is:chat",
		},
		{
			name: "size and senders",
			c: Criteria{
				OlderThanDays:   30,
				LargerThanBytes: 5 << 20,
				FromSenders:     []string{"newsletter@example.com", "noreply@example.com"},
				ExcludeSenders:  []string{"boss@example.com"},
			},
			want: "-is:chat older_than:30d larger:5242880 " +
				"{from:newsletter@example.com from:noreply@example.com} " +
				"-from:boss@example.com",
		},
		{
			name: "raw query appended",
			c:    Criteria{RawQuery: "has:attachment"},
			want: "-is:chat has:attachment",
		},
	}
	for _, tc := range cases {
		if got := tc.c.Query(); got != tc.want {
			t.Errorf("%s: Query() = %q, want %q", tc.name, got, tc.want)
		}
	}
}
