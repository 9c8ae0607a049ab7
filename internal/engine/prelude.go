package engine

// prelude runs in every sandbox after the Android object is bound and
// before the bot script. localStorage and console forward to Android on
// every call and keep no state of their own.
const prelude = `(function (g) {
  'use strict';
  var A = g.Android;
  var stringify = JSON.stringify;

  var storage = {
    getItem: function (k) { return A.storageGet(String(k)); },
    setItem: function (k, v) { A.storageSet(String(k), String(v)); },
    removeItem: function (k) { A.storageRemove(String(k)); },
    clear: function () {
      var ks = A.storageKeys();
      for (var i = 0; i < ks.length; i++) { A.storageRemove(ks[i]); }
    },
    key: function (i) {
      var ks = A.storageKeys();
      i = Number(i);
      return (i >= 0 && i < ks.length) ? ks[Math.floor(i)] : null;
    }
  };
  Object.defineProperty(storage, 'length', {
    get: function () { return A.storageKeys().length; }
  });
  Object.freeze(storage);

  function render(args) {
    var out = [];
    for (var i = 0; i < args.length; i++) {
      var a = args[i];
      if (typeof a === 'string') { out.push(a); continue; }
      var s;
      try { s = stringify(a); } catch (e) { s = undefined; }
      out.push(s === undefined ? String(a) : s);
    }
    return out.join(' ');
  }
  function level(name) {
    return function () { A.log(name, render(arguments)); };
  }
  var consoleObj = Object.freeze({
    log: level('info'),
    info: level('info'),
    debug: level('debug'),
    warn: level('warn'),
    error: level('error')
  });

  Object.freeze(A);
  Object.defineProperty(g, 'localStorage', { value: storage, enumerable: true });
  Object.defineProperty(g, 'console', { value: consoleObj, enumerable: true });
})(this);
`

// lookupEntryPoint resolves the entry point from both global bindings and
// top-level lexical declarations.
const lookupEntryPoint = `(typeof ` + EntryPoint + ` === 'function') ? ` + EntryPoint + ` : undefined`
